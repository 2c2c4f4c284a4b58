// Command iommu drives a simulated system of stream MMUs: it probes the
// configured controllers, attaches devices to translation domains and
// issues DMA through them.
package main

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/c35s/iommu/config"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "iommu",
	Short: "Exercise simulated stream MMUs and the domains behind them.",
	Long: `iommu builds the system described by a configuration file (or the ` +
		`built-in one): a memory arena, simulated stream MMUs, the firmware ` +
		`topology and the devices behind them.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "load the system description from file or URL")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log debug records")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger logs text to a terminal and JSON to anything else.
func newLogger(w *os.File) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}

	if term.IsTerminal(int(w.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts))
	}

	return slog.New(slog.NewJSONHandler(w, opts))
}

func loadConfig() (*config.File, error) {
	if configPath == "" {
		return config.Default()
	}

	body, err := readURL(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", configPath, err)
	}

	return cfg, nil
}

func readURL(s string) (body []byte, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("iommu: read URL %s: %w", s, err)
		}
	}()

	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "", "file":
		return os.ReadFile(u.Path)

	case "http", "https":
		res, err := http.Get(u.String())
		if err != nil {
			return nil, err
		}

		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("response status %d != %d", res.StatusCode, 200)
		}

		return io.ReadAll(res.Body)

	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}
