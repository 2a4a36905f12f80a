package main

import (
	"fmt"
	"os"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/riverfog7/StarwardUpdater/internal"
)

// Define command structs
type ManifestInfoCmd struct {
	URL        string `arg:"positional,required" help:"Manifest URL or local path"`
	OutputPath string `arg:"positional,required" help:"Path to output JSON file or - for stdout"`
}

type PackCmd struct {
	RootPath    string                `arg:"positional,required" help:"Build directory to pack"`
	OutputPath  string                `arg:"positional" default:"./build/release" help:"Output directory for blobs and manifest"`
	Version     string                `arg:"--version,required" help:"Release version"`
	Arch        internal.Architecture `arg:"-a,--arch" default:"x64" help:"x64, arm64 or x86"`
	InstallType internal.InstallType  `arg:"-t,--type" default:"portable" help:"portable or setup"`
	UrlPrefix   string                `arg:"--url-prefix" help:"URL prefix of the blob directory (defaults to blob_url_prefix)"`
}

type DiffCmd struct {
	OutputPath  string                `arg:"positional" default:"./build/release" help:"Release output directory"`
	Arch        internal.Architecture `arg:"-a,--arch" default:"x64" help:"x64, arm64 or x86"`
	InstallType internal.InstallType  `arg:"-t,--type" default:"portable" help:"portable or setup"`
	NewVersion  string                `arg:"--new-version,required" help:"Version to diff to"`
	NewPath     string                `arg:"--new-path" help:"Local build directory of the new version"`
	OldVersion  []string              `arg:"--old-version,required" help:"Versions to diff from"`
	OldPath     []string              `arg:"--old-path" help:"Local build directories of the old versions, in --old-version order"`
	TempPath    string                `arg:"--temp-path" help:"Scratch directory for downloaded files"`
}

type ReleaseCreateCmd struct {
	OutputFile  string                `arg:"positional,required" help:"Release info JSON to write"`
	Version     string                `arg:"--version,required" help:"Release version"`
	Arch        internal.Architecture `arg:"-a,--arch" default:"x64" help:"x64, arm64 or x86"`
	InstallType internal.InstallType  `arg:"-t,--type" default:"portable" help:"portable or setup"`
	BuildTime   time.Time             `arg:"--time" help:"Build time in RFC 3339, defaults to now"`
	Package     string                `arg:"--package" help:"Local package file to describe"`
	Diff        []string              `arg:"-d,--diff" help:"Versions a diff manifest exists for"`
	DisableAuto bool                  `arg:"--disable-auto-update" help:"Mark the release as manual update only"`
}

type ReleaseCombineCmd struct {
	OutputFile string   `arg:"positional,required" help:"Combined release info JSON to write"`
	Input      []string `arg:"-i,--input,required" help:"Release info JSON files to combine"`
}

type ReleaseCmd struct {
	Create  *ReleaseCreateCmd  `arg:"subcommand:create" help:"Create a release info document"`
	Combine *ReleaseCombineCmd `arg:"subcommand:combine" help:"Combine release info documents of one version"`
}

type UpdateCmd struct {
	TargetPath     string                `arg:"positional,required" help:"Install directory to update"`
	Version        string                `arg:"--version,required" help:"Version to update to"`
	CurrentVersion string                `arg:"--current-version" help:"Installed version, enables diff manifests"`
	Arch           internal.Architecture `arg:"-a,--arch" default:"x64" help:"x64, arm64 or x86"`
	InstallType    internal.InstallType  `arg:"-t,--type" default:"portable" help:"portable or setup"`
	Manifest       string                `arg:"--manifest" help:"Manifest URL or path, skips the release info lookup"`
	Force          bool                  `arg:"--force" help:"Update even when the version is not newer"`
}

type ServeCmd struct {
	Listen string `arg:"--listen" help:"Address to listen on (defaults to serve.listen)"`
}

// Root command struct
type Args struct {
	Config  string `arg:"-c,--config,env:STARWARD_UPDATER_CONFIG" help:"YAML config file"`
	Verbose bool   `arg:"--verbose" help:"Log debug messages"`

	ManifestInfo *ManifestInfoCmd `arg:"subcommand:manifestinfo" help:"Fetch and output manifest information"`
	Pack         *PackCmd         `arg:"subcommand:pack" help:"Pack a build into blobs and a manifest"`
	Diff         *DiffCmd         `arg:"subcommand:diff" help:"Generate diff manifests and patches"`
	Release      *ReleaseCmd      `arg:"subcommand:release" help:"Create or combine release info"`
	Update       *UpdateCmd       `arg:"subcommand:update" help:"Update an install directory"`
	Serve        *ServeCmd        `arg:"subcommand:serve" help:"Serve the update RPC"`
}

func main() {
	var args Args
	p := arg.MustParse(&args)

	cfg, err := internal.LoadConfigFile(args.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if args.Verbose {
		cfg.Log.Verbose = true
	}

	logger, sync := newLogger(cfg.Log.Verbose)
	defer sync()

	var code int
	switch {
	case args.ManifestInfo != nil:
		code = ManifestInfoCommand(cfg, logger, args.ManifestInfo)
	case args.Pack != nil:
		code = PackCommand(cfg, logger, args.Pack)
	case args.Diff != nil:
		code = DiffCommand(cfg, logger, args.Diff)
	case args.Release != nil && args.Release.Create != nil:
		code = ReleaseCreateCommand(cfg, logger, args.Release.Create)
	case args.Release != nil && args.Release.Combine != nil:
		code = ReleaseCombineCommand(cfg, logger, args.Release.Combine)
	case args.Update != nil:
		code = UpdateCommand(cfg, logger, args.Update)
	case args.Serve != nil:
		code = ServeCommand(cfg, logger, args.Serve)
	default:
		p.WriteHelp(os.Stdout)
		code = 1
	}

	if code != 0 {
		sync()
		os.Exit(code)
	}
}
