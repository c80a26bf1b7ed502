package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

const shutdownGrace = 15 * time.Second

func newServer(port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      time.Minute,
	}
}

// RunServer serves h on port until the listener fails. This is a blocking call.
func RunServer(port int, h http.Handler) error {
	srv := newServer(port, h)
	log.Infof("confstore listening on %s", srv.Addr)
	return srv.ListenAndServe()
}

// RunServerInterruptible runs the server in a goroutine and returns immediately. Closing or sending on
// stop shuts the server down gracefully; done receives the outcome once it has stopped.
// It's up to the caller to keep the main goroutine alive.
func RunServerInterruptible(port int, h http.Handler) (stop chan<- struct{}, done <-chan error) {
	srv := newServer(port, h)

	stopCh := make(chan struct{})
	doneCh := make(chan error, 1)

	go func() {
		log.Infof("confstore listening on %s", srv.Addr)
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			doneCh <- err
			return
		}
		doneCh <- nil
	}()

	go func() {
		<-stopCh
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("graceful shutdown did not complete")
		}
	}()
	return stopCh, doneCh
}
