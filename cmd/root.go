package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tanq16/hanzo/internal/engine"
	"github.com/tanq16/hanzo/internal/output"
	"github.com/tanq16/hanzo/internal/probe"
	"github.com/tanq16/hanzo/internal/utils"
	"github.com/tanq16/hanzo/internal/worker"
)

var (
	outputPath    string
	connections   int
	timeout       time.Duration
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	headers       []string
	tempDir       string
	saveDir       string
	maxRetries    int
	retryTimeout  time.Duration
	debug         bool
)

var HanzoVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "hanzo [URL]",
	Short:   "Hanzo is a segmented multi-connection download engine",
	Version: HanzoVersion,
	Args:    cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		if len(args) == 0 {
			output.PrintError("No URL provided")
			os.Exit(1)
		}
		entry := utils.DownloadEntry{URL: args[0], OutputPath: outputPath}
		if err := runDownloads([]utils.DownloadEntry{entry}); err != nil {
			output.PrintError(fmt.Sprintf("Download failed: %v", err))
			os.Exit(1)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&connections, "connections", "c", 8, "Number of connections per download")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 3*time.Minute, "Connection timeout (eg. 5s, 10m)")
	rootCmd.PersistentFlags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client")
	rootCmd.PersistentFlags().StringVarP(&userAgent, "user-agent", "a", "", "User agent")
	rootCmd.PersistentFlags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL")
	rootCmd.PersistentFlags().StringVar(&proxyUsername, "proxy-username", "", "Proxy username")
	rootCmd.PersistentFlags().StringVar(&proxyPassword, "proxy-password", "", "Proxy password")
	rootCmd.PersistentFlags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers; can be specified multiple times")
	rootCmd.PersistentFlags().StringVar(&tempDir, "temp-dir", ".hanzo-temp", "Directory for per-download temp files")
	rootCmd.PersistentFlags().StringVar(&saveDir, "save-dir", ".", "Directory for assembled files")
	rootCmd.PersistentFlags().IntVar(&maxRetries, "retries", 5, "Max connection resets per worker (-1 for infinite)")
	rootCmd.PersistentFlags().DurationVar(&retryTimeout, "retry-timeout", 30*time.Second, "Worker silence before a connection reset")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file name (inferred if not provided)")
	rootCmd.AddCommand(newBatchCmd())
}

func httpClientConfig() utils.HTTPClientConfig {
	return utils.HTTPClientConfig{
		Timeout:        timeout,
		KATimeout:      kaTimeout,
		ProxyURL:       proxyURL,
		ProxyUsername:  proxyUsername,
		ProxyPassword:  proxyPassword,
		UserAgent:      userAgent,
		Headers:        utils.ParseHeaderArgs(headers),
		HighThreadMode: connections > 5,
	}
}

func downloadSettings() utils.DownloadSettings {
	return utils.DownloadSettings{
		TotalConnections:   connections,
		MaxRetryCount:      maxRetries,
		RetryTimeoutMillis: retryTimeout.Milliseconds(),
		TempDir:            tempDir,
		SaveDir:            saveDir,
		FallbackSaveDir:    filepath.Join(tempDir, "unnamed"),
	}
}

func runDownloads(entries []utils.DownloadEntry) error {
	log := utils.GetLogger("cmd")
	clientConfig := httpClientConfig()
	settings := downloadSettings()
	prober := probe.New(clientConfig)

	var items []utils.DownloadItem
	for _, entry := range entries {
		info, err := prober.Probe(entry.URL)
		if err != nil {
			return fmt.Errorf("error probing %s: %v", entry.URL, err)
		}
		if !info.SupportsPause {
			return fmt.Errorf("%s: %v", entry.URL, utils.ErrRangeRequestsNotSupported)
		}
		fileName := info.FileName
		if entry.OutputPath != "" {
			fileName = entry.OutputPath
		}
		if fileName == "" {
			fileName = "download"
		}
		items = append(items, utils.DownloadItem{
			UID:           uuid.NewString(),
			FileName:      fileName,
			DownloadURL:   entry.URL,
			ContentLength: info.ContentLength,
			Status:        utils.StatusConnecting,
		})
		log.Debug().Str("url", entry.URL).Str("file", fileName).Int64("size", info.ContentLength).Msg("Probed download")
	}

	spawner := worker.NewSpawner(clientConfig)
	eng := engine.New(tempfileStore(settings), spawner.Spawn)
	eng.Start()
	defer eng.Stop()

	display := output.NewDisplay()
	display.StartDisplay()
	defer display.StopDisplay()

	for _, item := range items {
		eng.Commands() <- engine.DownloadCommand{Command: engine.CommandStart, Item: item, Settings: settings}
	}

	pending := make(map[string]bool, len(items))
	for _, item := range items {
		pending[item.UID] = true
	}
	var failed int
	for msg := range eng.Events() {
		display.Update(msg)
		switch msg.Status {
		case utils.StatusAssembleComplete:
			delete(pending, msg.Item.UID)
		case utils.StatusAssembleFailed:
			delete(pending, msg.Item.UID)
			failed++
		}
		if len(pending) == 0 {
			break
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d download(s) failed to assemble", failed)
	}
	return nil
}
