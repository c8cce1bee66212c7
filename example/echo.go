package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/Zereker/uatcp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an echo server on the TCP network layer",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Int("port", 4840, "TCP port to listen on")
	serveCmd.Flags().Int("workers", runtime.NumCPU(), "number of job workers")
	serveCmd.Flags().Duration("tick", 50*time.Millisecond, "readiness wait per loop iteration")
	serveCmd.Flags().String("metrics-addr", "", "address of the Prometheus metrics endpoint (disabled if empty)")
}

func localConfig() uatcp.ConnectionConfig {
	conf := uatcp.StandardConnectionConfig()
	conf.RecvBufferSize = viper.GetUint32("recv-buffer")
	conf.SendBufferSize = viper.GetUint32("send-buffer")
	conf.MaxMessageSize = viper.GetUint32("max-message")
	return conf
}

// echoHandler sends every received chunk back to its connection.
type echoHandler struct {
	logger *slog.Logger
}

func (h *echoHandler) HandleMessage(c *uatcp.Connection, msg []byte) {
	c.Establish()

	buf, err := c.GetSendBuffer(len(msg))
	if err != nil {
		h.logger.Warn("cannot echo message", "fd", c.FD(), "error", err)
		c.Close()
		return
	}
	copy(buf, msg)
	if err = c.Send(buf); err != nil {
		h.logger.Debug("echo failed", "fd", c.FD(), "error", err)
	}
}

func (h *echoHandler) HandleDetach(c *uatcp.Connection) {
	h.logger.Info("connection detached", "fd", c.FD(), "peer", c.Peer())
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	layerMetrics := uatcp.NewLayerMetrics(nil)
	layer := uatcp.NewServerNetworkLayer(localConfig(), viper.GetInt("port"),
		uatcp.LayerMetricsOption(layerMetrics),
	)

	if addr := viper.GetString("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			layerMetrics.WritePrometheus(w)
		})
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	dispatcher := uatcp.NewDispatcher(&echoHandler{logger: logger}, viper.GetInt("workers"), logger)
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatchDone := make(chan error, 1)
	go func() {
		dispatchDone <- dispatcher.Run(dispatchCtx)
	}()

	loopErr := runNetworkLoop(ctx, layer, dispatcher, logger, viper.GetDuration("tick"))

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := dispatcher.Flush(flushCtx); err != nil {
		logger.Warn("jobs still pending at shutdown", "error", err)
	}
	stopDispatch()
	<-dispatchDone

	return loopErr
}

// runNetworkLoop owns the network layer for its whole life on one locked
// OS thread.
func runNetworkLoop(ctx context.Context, layer *uatcp.ServerNetworkLayer, dispatcher *uatcp.Dispatcher, logger *slog.Logger, tick time.Duration) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := layer.Start(logger); err != nil {
		return err
	}
	defer layer.DeleteMembers()

	for ctx.Err() == nil {
		if err := dispatcher.Submit(ctx, layer.GetJobs(tick)); err != nil {
			break
		}
	}

	logger.Info("shutting down server...")
	return dispatcher.Submit(context.Background(), layer.Stop())
}
