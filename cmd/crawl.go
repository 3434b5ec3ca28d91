package cmd

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/strategy"
)

type crawlFlags struct {
	bypassHeadless bool
	screenshot     string
	output         string
	userAgent      string
	headers        map[string]string
}

// headerSetter is implemented by strategies that drive a live browser.
type headerSetter interface {
	SetCustomHeaders(ctx context.Context, headers map[string]string) error
}

// newCrawlCmd creates the 'crawl' subcommand, which renders one URL and
// prints its HTML.
func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Render one URL and print its HTML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, args[0], flags)
		},
	}
	cmd.Flags().BoolVar(&flags.bypassHeadless, "bypass-headless", false, "render in a visible browser regardless of the headless result")
	cmd.Flags().StringVar(&flags.screenshot, "screenshot", "", "write a full-page JPEG screenshot to this path")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "write HTML to this path instead of stdout")
	cmd.Flags().StringVar(&flags.userAgent, "user-agent", "", "rotate to this user agent before crawling")
	cmd.Flags().StringToStringVar(&flags.headers, "header", nil, "extra request header as key=value (repeatable)")
	return cmd
}

func runCrawl(cmd *cobra.Command, rawURL string, flags crawlFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := appInstance.Logger()

	s, err := appInstance.NewStrategy(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if qerr := s.Quit(); qerr != nil {
			logger.Warn("quit strategy", zap.Error(qerr))
		}
	}()

	if flags.userAgent != "" {
		if err := s.UpdateUserAgent(ctx, flags.userAgent); err != nil {
			return fmt.Errorf("update user agent: %w", err)
		}
	}
	if len(flags.headers) > 0 {
		hs, ok := s.(headerSetter)
		if !ok {
			return fmt.Errorf("%s strategy does not support custom headers", s.Name())
		}
		if err := hs.SetCustomHeaders(ctx, flags.headers); err != nil {
			return fmt.Errorf("set headers: %w", err)
		}
	}

	html, crawlErr := s.Crawl(ctx, rawURL, strategy.CrawlOptions{BypassHeadless: flags.bypassHeadless})
	// A screenshot is still useful after a failed crawl: it shows where the
	// browser stopped, or describes the failure.
	if flags.screenshot != "" {
		if err := writeScreenshot(flags.screenshot, s.Screenshot(ctx)); err != nil {
			return err
		}
	}
	if crawlErr != nil {
		return crawlErr
	}

	if flags.output != "" {
		if err := os.WriteFile(flags.output, []byte(html), 0o644); err != nil {
			return fmt.Errorf("write html: %w", err)
		}
		return nil
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), html)
	return err
}

func writeScreenshot(path, encoded string) error {
	jpg, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode screenshot: %w", err)
	}
	if err := os.WriteFile(path, jpg, 0o644); err != nil {
		return fmt.Errorf("write screenshot: %w", err)
	}
	return nil
}
