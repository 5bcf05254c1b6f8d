// Command sectembed embeds files in named regions of a binary and reads them
// back.
//
//	sectembed build -c embed.yaml -o embed.syso
//	sectembed read ./app __TEXT,__info_plist
//	sectembed list ./app
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/xyproto/sectembed"
)

// version is set at build time via -ldflags
var version = "dev"

// buildCommand embeds the regions of a manifest
type buildCommand struct {
	manifest *string
	output   *string
	target   *string
	kind     *string
	verbose  *bool
}

func (cmd *buildCommand) run(_ *kingpin.ParseContext) error {
	m, err := sectembed.LoadManifest(*cmd.manifest)
	if err != nil {
		return err
	}
	// CLI flags have the highest precedence
	if *cmd.output != "" {
		m.Output = *cmd.output
	}
	if *cmd.target != "" {
		m.Target = *cmd.target
	}
	if *cmd.kind != "" {
		m.Kind = *cmd.kind
	}
	if *cmd.verbose {
		m.Logging.Level = "debug"
	}

	logger := sectembed.NewLogger(m.Logging.Level)
	defer logger.Sync()

	img, err := sectembed.Build(m, logger)
	if err != nil {
		return err
	}
	if err := img.WriteFile(m.Output); err != nil {
		return err
	}
	logger.Info("wrote output",
		zap.String("path", m.Output),
		zap.Stringer("kind", img.Kind),
		zap.String("size", humanize.IBytes(uint64(len(img.Bytes())))))
	return nil
}

// readCommand writes the bytes of one region to stdout
type readCommand struct {
	file   *string
	region *string
}

func (cmd *readCommand) run(_ *kingpin.ParseContext) error {
	region, err := sectembed.ParseRegion(*cmd.region)
	if err != nil {
		return err
	}
	r, err := sectembed.OpenFile(*cmd.file)
	if err != nil {
		return err
	}
	defer r.Close()

	v, err := r.Read(region)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(v.Bytes())
	return err
}

// listCommand prints the regions embedded in each file
type listCommand struct {
	files *[]string
}

func (cmd *listCommand) run(_ *kingpin.ParseContext) error {
	bold := color.New(color.Bold)
	for _, name := range *cmd.files {
		if err := cmd.list(bold, name); err != nil {
			return err
		}
	}
	return nil
}

func (cmd *listCommand) list(bold *color.Color, name string) error {
	r, err := sectembed.OpenFile(name)
	if err != nil {
		return err
	}
	defer r.Close()

	bold.Printf("%s (%s):\n", name, r.Format())
	regions := r.Regions()
	if len(regions) == 0 {
		fmt.Println("\tno embedded regions")
		return nil
	}
	for _, region := range regions {
		v, err := r.Read(region)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Printf("\t%-34s %10s  addr %#x  xxhash %016x\n", region, humanize.Bytes(uint64(v.Len())), v.Addr(), v.Sum64())
	}
	return nil
}

func main() {
	app := kingpin.New("sectembed", "Embed files in named regions of a binary.")
	app.Version(version)
	app.HelpFlag.Short('h')

	build := &buildCommand{}
	buildCmd := app.Command("build", "Embed the regions of a manifest and write the linked output.")
	build.manifest = buildCmd.Flag("config", "Path to the manifest.").Short('c').Default("embed.yaml").String()
	build.output = buildCmd.Flag("output", "Output file, overrides the manifest.").Short('o').String()
	build.target = buildCmd.Flag("target", "Target like arm64-darwin, overrides the manifest.").Short('t').String()
	build.kind = buildCmd.Flag("kind", "Output kind, overrides the manifest.").Enum("image", "object")
	build.verbose = buildCmd.Flag("verbose", "Log every embedded region.").Short('v').Bool()
	buildCmd.Action(build.run)

	read := &readCommand{}
	readCmd := app.Command("read", "Write the bytes of a region to stdout.")
	read.file = readCmd.Arg("file", "Binary to read.").Required().ExistingFile()
	read.region = readCmd.Arg("region", "Region, like __TEXT,__info_plist.").Required().String()
	readCmd.Action(read.run)

	list := &listCommand{}
	listCmd := app.Command("list", "List the regions embedded in binaries.")
	list.files = listCmd.Arg("files", "Binaries to inspect.").Required().ExistingFiles()
	listCmd.Action(list.run)

	app.Command("version", "Print the version and the default target.").Action(func(*kingpin.ParseContext) error {
		fmt.Printf("sectembed %s (default target %s)\n", version, sectembed.DefaultTarget())
		return nil
	})

	if _, err := app.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "sectembed: %v\n", err)
		os.Exit(1)
	}
}
