// Package dylibinput implements the input loader (C2): it maps candidate
// files and classifies each as a cacheable dylib, another (non-cacheable)
// dylib, an executable, or unloadable.
//
// Grounded on spec §3 "InputFile" and the teacher's own file-opening idiom
// in file.go's Open/NewFile (adapted here to classify rather than merely
// parse).
package dylibinput

import (
	"fmt"
	"path/filepath"

	"github.com/apex/log"
	macho "github.com/blacktop/go-macho"
	"github.com/pkg/errors"

	"github.com/blacktop/dsc-builder/pkg/diag"
)

// RequirementState is a dylib's standing in the self-containment fixpoint
// (spec §3 "InputFile.requirement state").
type RequirementState int

const (
	Unset RequirementState = iota
	MustBeIncluded
	MustBeIncludedForDependent
	MustBeExcludedIfUnused
)

func (s RequirementState) String() string {
	switch s {
	case MustBeIncluded:
		return "MustBeIncluded"
	case MustBeIncludedForDependent:
		return "MustBeIncludedForDependent"
	case MustBeExcludedIfUnused:
		return "MustBeExcludedIfUnused"
	default:
		return "Unset"
	}
}

// Class is the C2 classification outcome for one candidate path.
type Class int

const (
	ClassCacheableDylib Class = iota
	ClassOtherDylib
	ClassExecutable
	ClassUnloadable
)

// InputFile is one candidate file plus its classification state (spec §3
// "InputFile").
type InputFile struct {
	Path        string
	Requirement RequirementState
	Class       Class
	Diag        diag.Diagnostics

	File *macho.File // nil when Class == ClassUnloadable
}

// Candidate is what the (out-of-scope) CLI/input-discovery layer hands to
// Load: a path plus its a-priori requirement state, e.g. from an explicit
// "must include" root list.
type Candidate struct {
	Path        string
	Requirement RequirementState
}

// Result partitions loaded inputs into the three disjoint lists C3 expects
// (spec §4.1 "Input: three disjoint lists").
type Result struct {
	Cacheable  []*InputFile
	Other      []*InputFile
	Unloadable []*InputFile
}

// Load opens every candidate and classifies it. archName selects which
// architecture slice to pick out of a fat/universal binary, mirroring
// go-macho's own multi-slice open contract.
func Load(candidates []Candidate, archName string) Result {
	var res Result

	for _, c := range candidates {
		inp := &InputFile{Path: c.Path, Requirement: c.Requirement}

		f, err := openSlice(c.Path, archName)
		if err != nil {
			inp.Class = ClassUnloadable
			inp.Diag.Error("could not load %s: %v", c.Path, err)
			log.WithField("path", c.Path).WithError(err).Warn("unloadable candidate")
			res.Unloadable = append(res.Unloadable, inp)
			continue
		}
		inp.File = f

		switch {
		case f.Type.String() == "Dylib" || f.Type.String() == "DylibStub":
			if f.DylibID() == nil || f.DylibID().Name == "" {
				inp.Class = ClassOtherDylib
			} else {
				inp.Class = ClassCacheableDylib
			}
		case f.Type.String() == "Execute":
			inp.Class = ClassExecutable
		default:
			inp.Class = ClassOtherDylib
		}

		switch inp.Class {
		case ClassCacheableDylib:
			res.Cacheable = append(res.Cacheable, inp)
		case ClassExecutable:
			res.Other = append(res.Other, inp)
		default:
			res.Other = append(res.Other, inp)
		}
	}

	return res
}

func openSlice(path, archName string) (*macho.File, error) {
	ff, err := macho.OpenFat(path)
	if err == nil {
		defer ff.Close()
		for _, arch := range ff.Arches {
			if arch.CPU.String() == archName {
				return arch.File, nil
			}
		}
		return nil, fmt.Errorf("no %s slice in fat file %s", archName, path)
	}

	f, err := macho.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	return f, nil
}

// pathHash is a cheap djb2-style string hash; Bucket is its only caller
// (supplemented from
// original_source/dyld/cache-builder/SharedCacheBuilder.h's pathHash,
// spec §4.1's install-name/path map construction).
func pathHash(path string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(path); i++ {
		h = h*33 + uint32(path[i])
	}
	return h
}

// InstallName returns the dylib's LC_ID_DYLIB install name, or its path
// basename if absent (unlinked dylib stubs sometimes lack one).
func (i *InputFile) InstallName() string {
	if i.File != nil {
		if id := i.File.DylibID(); id != nil && id.Name != "" {
			return id.Name
		}
	}
	return filepath.Base(i.Path)
}

// Bucket is the pathHash-derived bucket for this file's install name, used
// by selfcontained's O(1)-average path/install-name map.
func (i *InputFile) Bucket(numBuckets uint32) uint32 {
	return pathHash(i.InstallName()) % numBuckets
}
