package cmds

import (
	"confstore/internal/api"
	"confstore/internal/auth"
	"confstore/internal/notify"
	"confstore/internal/service"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// Serve runs the HTTP API until SIGINT or SIGTERM.
type Serve struct {
	Port int `help:"TCP port to listen on. Overrides HTTP_PORT."`
}

func (c *Serve) Run(app *App) error {
	port := app.Config.HTTPPort
	if c.Port > 0 {
		port = c.Port
	}
	gate, err := auth.GateFromConfig(app.Config)
	if err != nil {
		return err
	}
	st, err := app.Store()
	if err != nil {
		return err
	}
	pub, err := notify.FromConfig(app.Ctx, app.Config)
	if err != nil {
		return err
	}
	svc := service.New(st, gate, service.WithTimeout(app.Config.RequestTimeout), service.WithNotifier(pub))

	gatherer, _ := app.Registry.(prometheus.Gatherer)
	h := api.NewHandler(svc, gatherer)

	ctx, cancel := signal.NotifyContext(app.Ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stop, done := api.RunServerInterruptible(port, h.Router())
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		log.Info("shutting down")
		close(stop)
		return <-done
	}
}
