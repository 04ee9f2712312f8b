package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/harrison-roh/object-detection-with-yolo/detapp/api"
	"github.com/harrison-roh/object-detection-with-yolo/detapp/constants"
	"github.com/harrison-roh/object-detection-with-yolo/detapp/data"
	"github.com/harrison-roh/object-detection-with-yolo/detapp/inference"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func main() {
	modelPath := flag.String("model", constants.ModelsPath, "Path for YOLO model directory")
	addr := flag.String("addr", constants.ListenAddr, "Listen address")
	autoOrient := flag.Bool("autoorient", false, "Apply EXIF orientation to uploaded images")
	debug := flag.Bool("debug", false, "Development logging")
	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(logger, *modelPath, *addr, *autoOrient); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		gin.SetMode(gin.DebugMode)
		return zap.NewDevelopment()
	}
	gin.SetMode(gin.ReleaseMode)
	return zap.NewProduction()
}

func run(logger *zap.Logger, modelPath, addr string, autoOrient bool) (err error) {
	i, err := inference.New(inference.Config{
		ModelPath: modelPath,
		Logger:    logger.Named("inference"),
	})
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, i.Destroy())
	}()

	a := &api.APIs{
		I:          i,
		P:          data.NewPalette(len(i.Labels()), constants.ColorSeed),
		AutoOrient: autoOrient,
		Logger:     logger.Named("api"),
	}

	server := &http.Server{
		Addr:    addr,
		Handler: cors.AllowAll().Handler(api.Router(a)),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen failed")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
