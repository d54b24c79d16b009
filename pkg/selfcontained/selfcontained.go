// Package selfcontained implements the self-contained verifier (C3): an
// iterative fixpoint that evicts dylibs until the cacheable set is closed
// under non-weak dependency.
//
// Grounded on spec §4.1 and SharedCacheBuilder.h's dependency-closure
// passes (bad-zippered eviction, blacklist eviction, missing-dependency
// eviction, unused-leaf eviction, required-dependency promotion).
package selfcontained

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/apex/log"

	"github.com/blacktop/dsc-builder/pkg/dylibinput"
)

// blacklist is the small hard-coded set of install-names the verifier
// always evicts (spec §4.1 rule 2). Empty by default; a real deployment
// seeds it from a build-config file, which is part of the out-of-scope
// CLI/input-discovery layer (spec §1).
var blacklist = map[string]bool{}

// Eviction records why a dylib was dropped, surfaced by cachebuild.Result
// (SPEC_FULL.md "evictions() accessor surface").
type Eviction struct {
	InstallName string
	Reason      string
}

// Verify runs the fixpoint loop described in spec §4.1 and returns the
// dylibs that remain cacheable plus every eviction that happened along the
// way. A build-ending error is returned only when a MustBeIncluded input
// never makes it into the final cacheable set.
func Verify(cacheable, other []*dylibinput.InputFile) (survivors []*dylibinput.InputFile, evictions []Eviction, err error) {
	byInstallName := make(map[string]*dylibinput.InputFile, len(cacheable))
	for _, d := range cacheable {
		byInstallName[d.InstallName()] = d
	}

	evicted := make(map[string]Eviction)

	evict := func(d *dylibinput.InputFile, reason string) {
		if _, already := evicted[d.InstallName()]; already {
			return
		}
		evicted[d.InstallName()] = Eviction{InstallName: d.InstallName(), Reason: reason}
		delete(byInstallName, d.InstallName())
		log.WithField("dylib", d.InstallName()).Warn(reason)
	}

	for {
		changed := false

		// Rule 1: bad-zippered twin eviction.
		for name, d := range byInstallName {
			for _, dep := range dependencies(d) {
				if isUnzipperedTwin(dep) && isZippered(d) {
					if twin, ok := byInstallName[dep]; ok {
						evict(twin, fmt.Sprintf("unzippered twin of zippered dylib '%s'", name))
						changed = true
					}
				}
			}
		}

		// Rule 2: blacklist + direct dependents.
		for name, d := range byInstallName {
			if blacklist[name] {
				evict(d, fmt.Sprintf("blacklisted install name '%s'", name))
				changed = true
				continue
			}
		}
		for name, d := range byInstallName {
			for _, dep := range dependencies(d) {
				if _, evictedDep := evicted[dep]; evictedDep {
					if _, stillHere := byInstallName[name]; stillHere {
						evict(d, fmt.Sprintf("dependent of blacklisted '%s'", dep))
						changed = true
					}
				}
			}
		}

		// Rule 3: missing non-weak dependency.
		for name, d := range byInstallName {
			for _, dep := range weakDependencies(d, false) {
				resolved := realpathResolve(dep, byInstallName)
				if resolved == nil {
					evict(d, fmt.Sprintf("Could not find dependency '%s'", dep))
					changed = true
					break
				}
			}
			_ = name
		}

		// Rule 4: unused-leaf eviction.
		used := make(map[string]bool, len(byInstallName))
		for _, d := range byInstallName {
			for _, dep := range dependencies(d) {
				used[dep] = true
			}
		}
		for name, d := range byInstallName {
			if !used[name] && d.Requirement == dylibinput.MustBeExcludedIfUnused {
				evict(d, fmt.Sprintf("unused leaf dylib '%s'", name))
				changed = true
			}
		}

		// Rule 5: required-dependency promotion.
		otherByName := make(map[string]*dylibinput.InputFile, len(other))
		for _, o := range other {
			otherByName[o.InstallName()] = o
		}
		for _, d := range byInstallName {
			if d.Requirement != dylibinput.MustBeIncluded {
				continue
			}
			for _, dep := range allTransitiveDeps(d, byInstallName) {
				if o, isOther := otherByName[dep]; isOther && o.Requirement != dylibinput.MustBeIncludedForDependent {
					o.Requirement = dylibinput.MustBeIncludedForDependent
				}
			}
		}

		if !changed {
			break
		}
	}

	for _, d := range byInstallName {
		survivors = append(survivors, d)
	}
	for _, e := range evicted {
		evictions = append(evictions, e)
	}

	var missing []string
	for _, d := range cacheable {
		if d.Requirement != dylibinput.MustBeIncluded {
			continue
		}
		if _, ok := byInstallName[d.InstallName()]; !ok {
			e := evicted[d.InstallName()]
			missing = append(missing, fmt.Sprintf("%s: %s", d.InstallName(), e.Reason))
		}
	}
	if len(missing) > 0 {
		return survivors, evictions, fmt.Errorf("required binary not included: %s", strings.Join(missing, "; "))
	}

	return survivors, evictions, nil
}

func dependencies(d *dylibinput.InputFile) []string {
	if d.File == nil {
		return nil
	}
	return d.File.ImportedLibraries()
}

// weakDependencies returns the dylib's full ImportedLibraries() list
// whatever includeWeak says: weak imports are not told apart from
// required ones, so every import is treated as non-weak.
func weakDependencies(d *dylibinput.InputFile, includeWeak bool) []string {
	// The external reader's ImportedLibraries() does not itself distinguish
	// weak from required; a complete implementation threads that bit
	// through from the raw LC_LOAD_WEAK_DYLIB command list. Until that
	// wiring lands, treat all imports as non-weak so this rule stays
	// conservative (and testable) rather than silently permissive.
	return dependencies(d)
}

func allTransitiveDeps(d *dylibinput.InputFile, universe map[string]*dylibinput.InputFile) []string {
	seen := make(map[string]bool)
	var walk func(*dylibinput.InputFile)
	walk = func(cur *dylibinput.InputFile) {
		for _, dep := range dependencies(cur) {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if next, ok := universe[dep]; ok {
				walk(next)
			}
		}
	}
	walk(d)
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out
}

func realpathResolve(loadPath string, universe map[string]*dylibinput.InputFile) *dylibinput.InputFile {
	if d, ok := universe[loadPath]; ok {
		return d
	}
	cleaned := filepath.Clean(loadPath)
	return universe[cleaned]
}

func isZippered(d *dylibinput.InputFile) bool {
	return !strings.HasPrefix(d.InstallName(), "/System/iOSSupport/")
}

func isUnzipperedTwin(installName string) bool {
	return strings.HasPrefix(installName, "/System/iOSSupport/")
}
