package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/arcnet-io/httpwire/httpwire"
	"github.com/arcnet-io/httpwire/internal/obs"
)

func main() {
	zl, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer zl.Sync()

	eng := httpwire.New(httpwire.Settings{Logger: obs.NewZapLogger(zl)})
	defer eng.Close()

	echo := httpwire.HandlerFunc(func(w httpwire.ResponseWriter, r *httpwire.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(200)
		if _, err := io.Copy(w, r.Body); err != nil {
			zl.Warn("echo copy failed", zap.Error(err))
		}
	})

	set := httpwire.ServerSettings{
		IdleTimeout:         60 * time.Second,
		RequestTimeout:      30 * time.Second,
		RemoteAddressHeader: true,
	}
	b, err := eng.Bind("0.0.0.0", 8080, nil, set, echo)
	if err != nil {
		zl.Fatal("bind failed", zap.Error(err))
	}
	zl.Info("echo server listening", zap.String("addr", b.Addr().String()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Unbind(ctx); err != nil {
		zl.Warn("unbind", zap.Error(err))
	}
	zl.Info("unbound, exiting")
}
