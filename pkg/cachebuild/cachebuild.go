// Package cachebuild wires C2 through C12 into the top-level Builder
// (spec §2's pipeline): load inputs, verify self-containment, sort and
// evict on overflow, plan sub-caches, assign addresses, bind, build the
// patch table and export trie, encode slide info, codesign, and write.
//
// Grounded on SharedCacheBuilder.h's top-level buildCache()/the sequence
// of private helpers it calls in order, which is mirrored here one Go
// function per stage.
package cachebuild

import (
	"fmt"

	"github.com/blacktop/go-macho/pkg/trie"

	"github.com/blacktop/dsc-builder/pkg/bind"
	"github.com/blacktop/dsc-builder/pkg/archlayout"
	"github.com/blacktop/dsc-builder/pkg/cacheconfig"
	"github.com/blacktop/dsc-builder/pkg/cachelayout"
	"github.com/blacktop/dsc-builder/pkg/cachetrie"
	"github.com/blacktop/dsc-builder/pkg/cachewriter"
	"github.com/blacktop/dsc-builder/pkg/codesign"
	"github.com/blacktop/dsc-builder/pkg/diag"
	"github.com/blacktop/dsc-builder/pkg/dylibinput"
	"github.com/blacktop/dsc-builder/pkg/patchtable"
	"github.com/blacktop/dsc-builder/pkg/selfcontained"
	"github.com/blacktop/dsc-builder/pkg/sortevict"
	"github.com/blacktop/dsc-builder/pkg/subcache"
)

// Result is the outcome of a successful (or partially successful, in the
// warnings sense) build — spec's "Result" supplemented surface:
// evictions(), warnings(), agileSignature() accessors.
type Result struct {
	SubCachePaths []string

	evictions []selfcontained.Eviction
	diag      diag.Diagnostics

	cdHashes    [][20]byte
	altCDHashes [][20]byte
}

// Evictions returns every dylib dropped during self-containment
// verification or overflow eviction, in no particular order.
func (r *Result) Evictions() []selfcontained.Eviction { return r.evictions }

// Warnings returns every non-fatal diagnostic collected during the build.
func (r *Result) Warnings() []string { return r.diag.Warnings() }

// AgileSignature reports whether any sub-cache was signed with both a
// SHA1 and a SHA256 CodeDirectory.
func (r *Result) AgileSignature() bool {
	for _, h := range r.altCDHashes {
		if h != ([20]byte{}) {
			return true
		}
	}
	return false
}

// Builder runs one cache build for a single architecture. A real
// multi-arch invocation (spec §6.5 "archs") runs one Builder per slice.
type Builder struct {
	Config  cacheconfig.Config
	ArchName string
}

// Build executes the full pipeline against candidates and writes the
// resulting sub-cache files under Config.OutputFilePath's directory.
func (b *Builder) Build(candidates []dylibinput.Candidate) (*Result, error) {
	res := &Result{}

	layout, err := archlayout.Lookup(b.ArchName)
	if err != nil {
		res.diag.Error("%v", err)
		return res, res.diag.Fatal()
	}

	loaded := dylibinput.Load(candidates, b.ArchName)
	for _, u := range loaded.Unloadable {
		res.diag.Merge(&u.Diag)
	}

	survivors, evictions, err := selfcontained.Verify(loaded.Cacheable, loaded.Other)
	res.evictions = append(res.evictions, evictions...)
	if err != nil {
		res.diag.Error("%v", err)
		return res, res.diag.Fatal()
	}

	sorted := sortevict.Sort(survivors, sortevict.Ordering(b.Config.DylibOrdering))

	totalEstimate := estimateTotalSize(sorted)
	overflowFn := func(cur []*dylibinput.InputFile) (uint64, bool) {
		plans := subcache.Plan(cur, layout, totalEstimate)
		if layout.SubCacheTextLimit == 0 {
			return 0, false
		}
		for _, p := range plans {
			sz := sumTextSize(cur, p)
			if sz > layout.SubCacheTextLimit {
				return sz - layout.SubCacheTextLimit, true
			}
		}
		return 0, false
	}
	final, overflowEvictions, err := sortevict.EvictOnOverflow(sorted, overflowFn, sortevict.Ordering(b.Config.DylibOrdering), b.Config.EvictLeafDylibsOnOverflow)
	res.evictions = append(res.evictions, overflowEvictions...)
	if err != nil {
		res.diag.Error("%v", err)
		return res, res.diag.Fatal()
	}

	plans := subcache.Plan(final, layout, totalEstimate)

	dylibInfos := make([]*cachelayout.DylibInfo, len(final))
	for i, d := range final {
		dylibInfos[i] = &cachelayout.DylibInfo{
			Input:             d.File,
			InstallName:       d.InstallName(),
			RuntimePath:       d.Path,
			CacheIndex:        i,
			IsOverridablePath: b.isOverridable(d.InstallName()),
		}
	}

	overridable := patchtable.OverridablePathSet{}
	for _, d := range dylibInfos {
		if d.IsOverridablePath {
			overridable[d.InstallName] = true
		}
	}

	subCaches := make([]*cachelayout.SubCache, len(plans))
	base := layout.SharedMemoryStart
	for i, p := range plans {
		sc := &cachelayout.SubCache{}
		rangeBase := base
		cachelayout.AssignAddresses(sc, dylibInfos, p, layout, rangeBase)
		subCaches[i] = sc
		for j := p.TextFirstDylib; j < p.TextFirstDylib+p.TextNumDylibs; j++ {
			dylibInfos[j].SubCacheIndex = i
		}
		base = layout.AlignUp(base + sc.HighestVMAddress() - rangeBase)
	}

	resolver := newMapResolver(dylibInfos)
	acc := bind.NewAccumulator()
	cacheOffsetOf := func(producerIndex int) uint64 {
		d := dylibInfos[producerIndex]
		return textLoadAddress(subCaches[d.SubCacheIndex], d)
	}

	for _, d := range dylibInfos {
		sc := subCaches[d.SubCacheIndex]
		if sc.ASLR == nil {
			continue
		}
		if err := bind.BindDylib(d, d.CacheIndex, sc, resolver, cacheOffsetOf, acc); err != nil {
			res.diag.Warning("%v", err)
		}
	}

	installNameOf := func(i int) string { return dylibInfos[i].InstallName }
	table := patchtable.Build(len(dylibInfos), installNameOf, acc.Uses, overridable)

	var exportEntries []cachetrie.Entry
	for _, d := range dylibInfos {
		exportEntries = append(exportEntries, cachetrie.Entry{Key: d.InstallName, Value: uint64(d.CacheIndex)})
	}
	dylibsTrie := cachetrie.Build(exportEntries)

	digest := toCodesignDigest(b.Config.CodeSigningDigestMode)
	cdHashes, altCDHashes, err := b.assembleAndSign(subCaches, dylibInfos, layout, b.ArchName, table, dylibsTrie, digest)
	if err != nil {
		res.diag.Error("%v", err)
		return res, res.diag.Fatal()
	}
	res.cdHashes = cdHashes
	res.altCDHashes = altCDHashes

	opts := cachewriter.Options{
		Dir:      outputDir(b.Config.OutputFilePath),
		BaseName: outputBase(b.Config.OutputFilePath),
	}

	paths, err := cachewriter.WriteAll(subCaches, opts)
	res.SubCachePaths = paths
	if err != nil {
		res.diag.Error("%v", err)
		return res, res.diag.Fatal()
	}

	return res, nil
}

func (b *Builder) isOverridable(installName string) bool {
	return b.Config.OverridablePaths[installName]
}

func estimateTotalSize(dylibs []*dylibinput.InputFile) uint64 {
	var total uint64
	for _, d := range dylibs {
		if d.File == nil {
			continue
		}
		for _, seg := range d.File.Segments() {
			total += seg.Memsz
		}
	}
	return total
}

func sumTextSize(dylibs []*dylibinput.InputFile, p subcache.Plan) uint64 {
	var total uint64
	for i := p.TextFirstDylib; i < p.TextFirstDylib+p.TextNumDylibs && i < len(dylibs); i++ {
		total += sortevict.TextVMSize(dylibs[i])
	}
	return total
}

func outputDir(path string) string {
	if path == "" {
		return "."
	}
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func outputBase(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func concatenateRegions(sc *cachelayout.SubCache) []byte {
	highest := sc.HighestFileOffset()
	out := make([]byte, highest)
	for _, r := range sc.AllRegions() {
		n := r.SizeInUse
		if n > uint64(len(r.Buffer)) {
			n = uint64(len(r.Buffer))
		}
		copy(out[r.FileOffset:r.FileOffset+n], r.Buffer[:n])
	}
	return out
}

func toCodesignDigest(m cacheconfig.CodeSigningDigestMode) codesign.DigestMode {
	switch m {
	case cacheconfig.DigestSHA1Only:
		return codesign.DigestSHA1Only
	case cacheconfig.DigestAgile:
		return codesign.DigestAgile
	default:
		return codesign.DigestSHA256Only
	}
}

func identifierFor(cfg cacheconfig.Config, subCacheIndex int) string {
	id := "com.apple.dyld.cache"
	if subCacheIndex > 0 {
		id = fmt.Sprintf("%s.%d", id, subCacheIndex)
	}
	return id + cfg.CodesignIdentifierSuffix()
}

// mapResolver is a straightforward ExportResolver built once over every
// cached dylib's export trie (spec §4.5's "resolve a symbolic bind
// against the producing dylib's export table").
type mapResolver struct {
	byInstallName map[string]int
	exports       []map[string]trieExport
}

type trieExport struct {
	offset uint64
	weak   bool
}

func newMapResolver(dylibs []*cachelayout.DylibInfo) *mapResolver {
	r := &mapResolver{
		byInstallName: make(map[string]int, len(dylibs)),
		exports:       make([]map[string]trieExport, len(dylibs)),
	}
	for i, d := range dylibs {
		r.byInstallName[d.InstallName] = i
		m := make(map[string]trieExport)
		if d.Input != nil {
			if entries, err := d.Input.DyldExports(); err == nil {
				base := d.Input.GetBaseAddress()
				for _, e := range entries {
					m[e.Name] = trieExport{offset: e.Address - base, weak: isWeakExport(e)}
				}
			}
		}
		r.exports[i] = m
	}
	return r
}

func isWeakExport(e trie.TrieEntry) bool {
	return e.Flags&0x4 != 0 // EXPORT_SYMBOL_FLAGS_WEAK_DEFINITION
}

// Resolve implements bind.ExportResolver. libOrdinal is accepted for
// interface compatibility with a full two-level-namespace resolver but
// is not needed by this name-based lookup; a future extension could use
// it to disambiguate same-named exports across re-exported umbrellas.
func (r *mapResolver) Resolve(clientIndex int, libOrdinal int, symbolName string) (int, uint64, bool, error) {
	for idx, m := range r.exports {
		if e, ok := m[symbolName]; ok {
			return idx, e.offset, e.weak, nil
		}
	}
	return 0, 0, false, fmt.Errorf("no producer exports %q", symbolName)
}
