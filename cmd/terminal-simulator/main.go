// Command terminal-simulator runs fake Verifone, Smartpay and Windcave
// terminals for bench testing the bridge without hardware.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eftpos-bridge/internal/core"
	"eftpos-bridge/internal/providers/smartpay"
	"eftpos-bridge/internal/providers/verifone"
	"eftpos-bridge/internal/providers/windcave"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

type options struct {
	verifoneAddr string
	framing      string
	smartpayAddr string
	windcaveAddr string
	decline      bool
	pendingPolls int
	signature    bool
	silent       bool
}

func main() {
	cmd := &cli.Command{
		Name:    "terminal-simulator",
		Usage:   "Simulated payment terminals",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "verifone-addr", Value: "127.0.0.1:4100", Usage: "Verifone TCP listen address, empty to disable"},
			&cli.StringFlag{Name: "framing", Value: string(verifone.FramingLine), Usage: "Verifone framing (line or envelope)"},
			&cli.StringFlag{Name: "smartpay-addr", Value: "127.0.0.1:4200", Usage: "Smartpay HTTP listen address, empty to disable"},
			&cli.StringFlag{Name: "windcave-addr", Value: "127.0.0.1:4300", Usage: "Windcave HTTP listen address, empty to disable"},
			&cli.BoolFlag{Name: "decline", Usage: "Decline every transaction"},
			&cli.IntFlag{Name: "pending-polls", Value: 2, Usage: "Status polls answered as pending before the result"},
			&cli.BoolFlag{Name: "signature", Usage: "Ask for a signature check"},
			&cli.BoolFlag{Name: "silent", Usage: "Verifone goes quiet after the purchase request"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return run(ctx, options{
				verifoneAddr: cmd.String("verifone-addr"),
				framing:      cmd.String("framing"),
				smartpayAddr: cmd.String("smartpay-addr"),
				windcaveAddr: cmd.String("windcave-addr"),
				decline:      cmd.Bool("decline"),
				pendingPolls: int(cmd.Int("pending-polls")),
				signature:    cmd.Bool("signature"),
				silent:       cmd.Bool("silent"),
			})
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, opts options) error {
	logger, err := core.NewAppLogger(core.LogConfig{Level: "debug", Format: "console", Environment: "development", Version: version})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if opts.verifoneAddr != "" {
		b := verifone.Behaviour{
			PendingPolls:        opts.pendingPolls,
			AskSignature:        opts.signature,
			SilentAfterPurchase: opts.silent,
			Display:             []string{"PRESENT CARD", "PROCESSING"},
		}
		if opts.decline {
			b.Code = "05"
		}
		sim := verifone.NewSimulator(logger, verifone.Framing(opts.framing), b)
		addr, err := sim.Start(opts.verifoneAddr)
		if err != nil {
			return err
		}
		logger.Infof("Verifone terminal listening on %s (%s framing)", addr, opts.framing)
		g.Go(func() error {
			<-gctx.Done()
			sim.Stop()
			return nil
		})
	}

	if opts.smartpayAddr != "" {
		b := smartpay.Behaviour{PendingPolls: opts.pendingPolls, Display: "PRESENT CARD"}
		if opts.decline {
			b.TransactionResult = "OK-DECLINED"
		}
		serveHTTP(gctx, g, logger, "Smartpay", opts.smartpayAddr, smartpay.NewSimulator(logger, b).Handler())
	}

	if opts.windcaveAddr != "" {
		b := windcave.Behaviour{PendingPolls: opts.pendingPolls, AskSignature: opts.signature}
		if opts.decline {
			b.ReCo = "51"
		}
		serveHTTP(gctx, g, logger, "Windcave", opts.windcaveAddr, windcave.NewSimulator(logger, b).Handler())
	}

	return g.Wait()
}

func serveHTTP(ctx context.Context, g *errgroup.Group, logger *zap.SugaredLogger, name, addr string, handler http.Handler) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		logger.Infof("%s terminal listening on %s", name, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
