package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"

	"github.com/blacktop/dsc-builder/pkg/cacheconfig"
	"github.com/blacktop/dsc-builder/pkg/cachebuild"
	"github.com/blacktop/dsc-builder/pkg/dylibinput"
)

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringP("output", "o", "", "Output cache file path")
	buildCmd.Flags().String("arch", "arm64e", "Target architecture")
	buildCmd.Flags().String("platform", "ios", "Target platform")
	buildCmd.Flags().StringSlice("root", nil, "Dylib file paths (as found under the scanned directories) that must always be included")
	buildCmd.Flags().StringSlice("overridable-path", nil, "Install names a root-installed dylib may override at runtime")
	buildCmd.Flags().Bool("optimize-stubs", false, "Eliminate trivial stub islands (production cache type)")
	buildCmd.Flags().Bool("agile-signature", false, "Embed both a SHA1 and SHA256 CodeDirectory")
	buildCmd.Flags().Bool("evict-leaves-on-overflow", true, "Evict leaf dylibs before failing a sub-cache text-size overflow")
	buildCmd.Flags().Bool("aslr", true, "Mark the cache as supporting ASLR")

	viper.BindPFlag("build.output", buildCmd.Flags().Lookup("output"))
	viper.BindPFlag("build.arch", buildCmd.Flags().Lookup("arch"))
	viper.BindPFlag("build.platform", buildCmd.Flags().Lookup("platform"))
	viper.BindPFlag("build.root", buildCmd.Flags().Lookup("root"))
	viper.BindPFlag("build.overridable_path", buildCmd.Flags().Lookup("overridable-path"))
	viper.BindPFlag("build.optimize_stubs", buildCmd.Flags().Lookup("optimize-stubs"))
	viper.BindPFlag("build.agile_signature", buildCmd.Flags().Lookup("agile-signature"))
	viper.BindPFlag("build.evict_leaves_on_overflow", buildCmd.Flags().Lookup("evict-leaves-on-overflow"))
	viper.BindPFlag("build.aslr", buildCmd.Flags().Lookup("aslr"))
}

var buildCmd = &cobra.Command{
	Use:           "build <DYLIB_ROOT_DIR>...",
	Short:         "Build a dyld shared cache from one or more directories of dylibs",
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		output := viper.GetString("build.output")
		if output == "" {
			return fmt.Errorf("--output is required")
		}
		arch := viper.GetString("build.arch")
		roots := make(map[string]bool)
		for _, r := range viper.GetStringSlice("build.root") {
			roots[r] = true
		}
		overridable := make(map[string]bool)
		for _, r := range viper.GetStringSlice("build.overridable_path") {
			overridable[r] = true
		}

		digest := cacheconfig.DigestSHA256Only
		if viper.GetBool("build.agile_signature") {
			digest = cacheconfig.DigestAgile
		}

		cfg := cacheconfig.Config{
			OutputFilePath:            output,
			Archs:                     []string{arch},
			Platform:                  viper.GetString("build.platform"),
			OptimizeStubs:             viper.GetBool("build.optimize_stubs"),
			CodeSigningDigestMode:     digest,
			CacheSupportsASLR:         viper.GetBool("build.aslr"),
			EvictLeafDylibsOnOverflow: viper.GetBool("build.evict_leaves_on_overflow"),
			Verbose:                  viper.GetBool("verbose"),
			OverridablePaths:          overridable,
		}

		var candidates []dylibinput.Candidate
		p := mpb.New(mpb.WithWidth(80))
		name := "scanning"
		bar := p.New(0,
			mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
			mpb.PrependDecorators(decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DidentRight})),
			mpb.AppendDecorators(decor.CountersNoUnit("%d / %d dylibs")),
		)

		for _, dir := range args {
			err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if info.IsDir() {
					return nil
				}
				req := dylibinput.Unset
				if roots[path] {
					req = dylibinput.MustBeIncluded
				}
				candidates = append(candidates, dylibinput.Candidate{Path: path, Requirement: req})
				bar.SetTotal(int64(len(candidates)), false)
				bar.Increment()
				return nil
			})
			if err != nil {
				return errors.Wrapf(err, "scanning %s", dir)
			}
		}
		p.Wait()

		log.Infof("building %s cache for %d candidates", arch, len(candidates))

		builder := cachebuild.Builder{Config: cfg, ArchName: arch}
		result, err := builder.Build(candidates)
		if err != nil {
			return err
		}

		for _, w := range result.Warnings() {
			log.Warn(w)
		}
		for _, e := range result.Evictions() {
			log.WithField("dylib", e.InstallName).Debug(e.Reason)
		}
		for _, path := range result.SubCachePaths {
			log.Infof("wrote %s", path)
		}
		if result.AgileSignature() {
			log.Debug("sub-caches were signed with an agile (SHA1+SHA256) CodeDirectory")
		}

		return nil
	},
}
