// Command mrisymreg measures hippocampal integrity on T1 MRI volumes, after an
// unbiased symmetric registration when a follow-up scan is given.
package main

import (
	"fmt"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"mrisymreg/pkg/analysis"
	"mrisymreg/pkg/config"
)

const version = "1.0.0"

// Globals are the flags shared by every command.
type Globals struct {
	Config  string `name:"config" short:"c" help:"Configuration file" default:"mrisymreg.yaml" type:"path"`
	Verbose bool   `name:"verbose" short:"v" help:"Enable debug logging"`
}

// CLI defines the command-line interface for mrisymreg.
var CLI struct {
	Globals `embed:""`

	Register   RegisterCmd   `cmd:"" help:"Register a baseline and a follow-up scan and measure both"`
	Cross      CrossCmd      `cmd:"" help:"Measure a single scan"`
	InitConfig InitConfigCmd `cmd:"" name:"init-config" help:"Write a default configuration file"`
	Version    VersionCmd    `cmd:"" help:"Print version information"`
}

// RegisterCmd runs the longitudinal analysis.
type RegisterCmd struct {
	Prefix      string `required:"" short:"p" help:"Output prefix, the report is written to <prefix>.csv"`
	Baseline    string `required:"" short:"b" help:"Baseline image (.nii or .nii.gz)" type:"existingfile"`
	Followup    string `required:"" short:"f" help:"Follow-up image (.nii or .nii.gz)" type:"existingfile"`
	BaselinePIL string `name:"baseline-pil" help:"Precomputed baseline PIL transform (.mrx)" type:"existingfile"`
	FollowupPIL string `name:"followup-pil" help:"Precomputed follow-up PIL transform (.mrx)" type:"existingfile"`
	Snapshots   bool   `short:"g" help:"Save PNG snapshots of the PIL images"`
}

func (c *RegisterCmd) Run(g *Globals) error {
	cfg, err := setup(g)
	if err != nil {
		return err
	}
	p, err := analysisParams(cfg, c.Prefix, c.Snapshots)
	if err != nil {
		return err
	}
	p.Baseline, p.Followup = c.Baseline, c.Followup
	p.BaselinePIL, p.FollowupPIL = c.BaselinePIL, c.FollowupPIL
	return run(p)
}

// CrossCmd runs the cross-sectional analysis.
type CrossCmd struct {
	Prefix      string `required:"" short:"p" help:"Output prefix, the report is written to <prefix>.csv"`
	Baseline    string `required:"" short:"b" help:"Image (.nii or .nii.gz)" type:"existingfile"`
	BaselinePIL string `name:"baseline-pil" help:"Precomputed PIL transform (.mrx)" type:"existingfile"`
	Snapshots   bool   `short:"g" help:"Save PNG snapshots of the PIL image"`
}

func (c *CrossCmd) Run(g *Globals) error {
	cfg, err := setup(g)
	if err != nil {
		return err
	}
	p, err := analysisParams(cfg, c.Prefix, c.Snapshots)
	if err != nil {
		return err
	}
	p.Baseline = c.Baseline
	p.BaselinePIL = c.BaselinePIL
	return run(p)
}

// InitConfigCmd writes the default configuration.
type InitConfigCmd struct {
	Path string `arg:"" help:"Where to write the configuration" type:"path"`
}

func (c *InitConfigCmd) Run() error {
	if err := config.CreateDefaultConfigFile(c.Path); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to %s\n", c.Path)
	return nil
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("mrisymreg version %s\n", version)
	return nil
}

// setup loads the configuration and sets the log level.
func setup(g *Globals) (*config.Config, error) {
	cfg, err := config.LoadConfig(g.Config)
	if err != nil {
		return nil, err
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if g.Verbose || cfg.Output.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	return cfg, nil
}

// analysisParams translates the configuration into run settings.
func analysisParams(cfg *config.Config, prefix string, snapshots bool) (*analysis.Params, error) {
	reg, err := cfg.RegistrationParams()
	if err != nil {
		return nil, fmt.Errorf("invalid registration settings: %w", err)
	}
	dir, err := cfg.AssetDir()
	if err != nil {
		return nil, err
	}
	return &analysis.Params{
		OutputPrefix: prefix,
		AssetDir:     dir,
		Prior:        cfg.Assets.Prior,
		PILModel:     cfg.Assets.PILModel,
		ROIModels:    cfg.Assets.ROIModels,
		Registration: reg,
		Integrity:    cfg.IntegrityParams(),
		Snapshots:    snapshots || cfg.Output.Snapshots,
		SnapshotDir:  cfg.Output.SnapshotDir,
	}, nil
}

// run processes one analysis and prints its summary.
func run(p *analysis.Params) error {
	startTime := time.Now()
	a := analysis.NewAnalyzer(p, logrus.StandardLogger())
	if err := a.Process(); err != nil {
		return err
	}

	fmt.Printf("\nAnalysis completed in %.2f seconds\n", time.Since(startTime).Seconds())
	if res := a.Registration(); res != nil {
		fmt.Printf("Registration: %s (cost %.6g -> %.6g, %d iterations)\n",
			res.Pose.String(), res.InitialCost, res.Cost, res.Iterations)
	}
	for _, m := range a.Measurements() {
		fmt.Printf("%s, %s, %f\n", m.Image, m.ROI, m.Result.HI)
	}
	fmt.Printf("Report saved to: %s.csv\n", p.OutputPrefix)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("mrisymreg"),
		kong.Description("Unbiased symmetric registration and hippocampal integrity index"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run(&CLI.Globals)
	ctx.FatalIfErrorf(err)
}
