package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/common-nighthawk/go-figure"
	bannercolor "github.com/fatih/color"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ekAI-datmh/DELAG-DATA-RETRIEVAL/internal/notification"
	"github.com/ekAI-datmh/DELAG-DATA-RETRIEVAL/internal/pipeline"
	"github.com/ekAI-datmh/DELAG-DATA-RETRIEVAL/internal/properties"
	"github.com/ekAI-datmh/DELAG-DATA-RETRIEVAL/internal/provider"
	"github.com/ekAI-datmh/DELAG-DATA-RETRIEVAL/internal/raster"
)

func printBanner() {
	figure1 := figure.NewFigure("DELAG", "isometric1", true)
	bannercolor.Cyan(figure1.String())
	fmt.Println()
}

func usage() {
	fmt.Println("Usage: delagfetch <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  pipeline  --root <dir>                         run acquisition for every region under root")
	fmt.Println("  retrieve  --input_folder <ref> --output_folder <dst> --source <era5|gldas|fldas|ndvi>")
	fmt.Println("  sync      --source_folder <src> --lst_folder <ref> --output_folder <dst>")
	fmt.Println("  filter    --folder <dir> [--lower 260] [--upper 340]")
	fmt.Println("  checknan  --folder <dir>")
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	log, err := cfg.Build()
	if err != nil {
		fmt.Printf("failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return log
}

func main() {
	printBanner()
	raster.RegisterDrivers()

	log := newLogger()
	defer log.Sync()

	cfg, err := properties.Load()
	if err != nil {
		log.Error("configuration error", zap.Error(err))
		return
	}
	notifier := notification.NewNotifier(
		cfg.DiscordErrorNotificationURL, cfg.DiscordSuccessNotificationURL)

	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			fmt.Printf("\n\033[31mPANIC: %v\033[0m\n", r)
			if err := notifier.NotifyError(fmt.Sprintf("delagfetch panic: %v\n\n%s", r, stack)); err != nil {
				fmt.Printf("\033[31mFailed to send notification: %s\033[0m\n", err.Error())
			}
		}
	}()

	if len(os.Args) < 2 {
		usage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "pipeline":
		runPipeline(ctx, os.Args[2:], cfg, notifier, log)
	case "retrieve":
		runRetrieve(ctx, os.Args[2:], cfg, log)
	case "sync":
		runSync(os.Args[2:], log)
	case "filter":
		runFilter(os.Args[2:], log)
	case "checknan":
		runCheckNaN(os.Args[2:], log)
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		usage()
	}
}

func newClient(cfg properties.Config, log *zap.Logger) *provider.Client {
	return provider.NewClient(provider.ClientConfig{
		BaseURL:         cfg.ExportBaseURL,
		ClientID:        cfg.ExportClientID,
		ClientSecret:    cfg.ExportClientSecret,
		TokenURL:        cfg.ExportTokenURL,
		RequestInterval: cfg.RequestInterval,
		DownloadTimeout: cfg.DownloadTimeout,
		Retries:         cfg.DownloadRetries,
	}, nil, log)
}

func runPipeline(ctx context.Context, args []string, cfg properties.Config, notifier *notification.Notifier, log *zap.Logger) {
	fs := flag.NewFlagSet("pipeline", flag.ExitOnError)
	root := fs.String("root", cfg.RootPath, "data root containing one directory per region")
	fs.Parse(args)

	p := pipeline.New(newClient(cfg, log), pipeline.DefaultSources, cfg.FetchConcurrency, log)
	summaries, err := p.RunRoot(ctx, *root)
	if err != nil {
		log.Error("pipeline failed", zap.Error(err))
		notifier.NotifyError(fmt.Sprintf("Pipeline failed: %s", err.Error()))
		return
	}

	var report strings.Builder
	for _, s := range summaries {
		fmt.Printf("\033[32m%s\033[0m\n", s.String())
		report.WriteString(s.String())
		report.WriteString("\n")
	}
	if err := notifier.NotifySuccess(report.String()); err != nil {
		log.Warn("failed to send notification", zap.Error(err))
	}
}

func runRetrieve(ctx context.Context, args []string, cfg properties.Config, log *zap.Logger) {
	fs := flag.NewFlagSet("retrieve", flag.ExitOnError)
	inputFolder := fs.String("input_folder", "", "folder of reference .tif files (dates and grid)")
	outputFolder := fs.String("output_folder", "", "destination folder")
	sourceName := fs.String("source", "era5", "source to retrieve: era5, gldas, fldas or ndvi")
	fs.Parse(args)

	if *inputFolder == "" || *outputFolder == "" {
		fmt.Println("retrieve requires --input_folder and --output_folder")
		return
	}

	// The reference folder's parent is the region directory; outputs are
	// organized as its subfolders.
	regionDir := filepath.Dir(filepath.Clean(*inputFolder))
	folderName, err := resolveOutputFolder(regionDir, *outputFolder)
	if err != nil {
		fmt.Println(err.Error())
		return
	}
	prefix, _, _ := strings.Cut(filepath.Base(regionDir), "_")
	var src provider.Source
	switch *sourceName {
	case "era5":
		src = provider.ERA5()
	case "gldas":
		src = provider.GLDAS()
	case "fldas":
		src = provider.FLDAS()
	case "ndvi":
		src = provider.NDVI8Day(prefix)
	default:
		fmt.Printf("Unknown source: %s\n", *sourceName)
		return
	}
	src.FolderName = folderName

	sources := func(string) []provider.Source { return []provider.Source{src} }
	p := pipeline.New(newClient(cfg, log), sources, cfg.FetchConcurrency, log)

	summary, err := p.RunRegion(ctx, regionDir)
	if err != nil {
		log.Error("retrieval failed", zap.Error(err))
		return
	}
	fmt.Printf("\033[32m%s\033[0m\n", summary.String())
}

// resolveOutputFolder reduces the output flag to a subfolder name of the
// region directory. A bare name is accepted as-is; a path must sit directly
// under the region directory, anything else is rejected rather than silently
// redirected.
func resolveOutputFolder(regionDir, outputFolder string) (string, error) {
	cleaned := filepath.Clean(outputFolder)
	if !strings.ContainsRune(cleaned, filepath.Separator) {
		return cleaned, nil
	}
	if filepath.Dir(cleaned) != filepath.Clean(regionDir) {
		return "", fmt.Errorf("output folder %s is not under the region directory %s", outputFolder, regionDir)
	}
	return filepath.Base(cleaned), nil
}

func runSync(args []string, log *zap.Logger) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	sourceFolder := fs.String("source_folder", "", "folder of dated source rasters")
	lstFolder := fs.String("lst_folder", "", "reference folder defining the target dates")
	outputFolder := fs.String("output_folder", "", "destination for date-synchronized copies")
	fs.Parse(args)

	if *sourceFolder == "" || *lstFolder == "" || *outputFolder == "" {
		fmt.Println("sync requires --source_folder, --lst_folder and --output_folder")
		return
	}
	synced, err := pipeline.SyncNearest(*sourceFolder, *lstFolder, *outputFolder, log)
	if err != nil {
		log.Error("synchronization failed", zap.Error(err))
		return
	}
	fmt.Printf("\033[32mSynchronized %d rasters into %s\033[0m\n", synced, *outputFolder)
}

func runFilter(args []string, log *zap.Logger) {
	fs := flag.NewFlagSet("filter", flag.ExitOnError)
	folder := fs.String("folder", "", "folder of .tif files to range-filter")
	lower := fs.Float64("lower", provider.LSTValidRange[0], "lowest physically valid pixel value")
	upper := fs.Float64("upper", provider.LSTValidRange[1], "highest physically valid pixel value")
	fs.Parse(args)

	if *folder == "" {
		fmt.Println("filter requires --folder")
		return
	}
	filtered, failed, err := pipeline.FilterFolder(*folder, *lower, *upper, log)
	if err != nil {
		log.Error("filter sweep failed", zap.Error(err))
		return
	}
	fmt.Printf("\033[32mFiltered %d files (%d failed) in %s\033[0m\n", filtered, failed, *folder)
}

func runCheckNaN(args []string, log *zap.Logger) {
	fs := flag.NewFlagSet("checknan", flag.ExitOnError)
	folder := fs.String("folder", "", "folder of .tif files to audit")
	fs.Parse(args)

	if *folder == "" {
		fmt.Println("checknan requires --folder")
		return
	}
	withNaN, err := pipeline.AuditNaN(*folder, log)
	if err != nil {
		log.Error("NaN audit failed", zap.Error(err))
		return
	}
	if len(withNaN) == 0 {
		fmt.Println("\033[32mNo NaN values found.\033[0m")
		return
	}
	fmt.Printf("\033[33m%d files contain NaN values:\033[0m\n", len(withNaN))
	for _, f := range withNaN {
		fmt.Printf("\033[33m- %s\033[0m\n", f)
	}
}

