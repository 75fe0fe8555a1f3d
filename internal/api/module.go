package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/connexa/chatsync/internal/bus"
	"github.com/connexa/chatsync/internal/daemon"
	"github.com/connexa/chatsync/internal/session"
	"github.com/connexa/chatsync/internal/store"
)

// Module returns the fx module serving the control API on the session's
// unix socket.
func Module() fx.Option {
	return fx.Module("api",
		fx.Provide(provideServer),
		fx.Invoke(registerLifecycle),
	)
}

func provideServer(p daemon.Params, core *daemon.Core, db *store.DB, b *bus.Bus, logger *zap.Logger) *Server {
	return NewServer(core, db, b, p.SessionName, logger)
}

func registerLifecycle(lc fx.Lifecycle, p daemon.Params, srv *Server, logger *zap.Logger) {
	sock := session.ControlSocketPath(p.SessionName)
	httpSrv := &http.Server{Handler: srv.Router()}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// A stale socket from a crashed daemon blocks the bind; the
			// session lock already guarantees we are the only owner.
			_ = os.Remove(sock)
			ln, err := net.Listen("unix", sock)
			if err != nil {
				return err
			}
			logger.Info("control api listening", zap.String("socket", sock))
			go func() {
				if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("control api serve", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			err := httpSrv.Shutdown(ctx)
			_ = os.Remove(sock)
			return err
		},
	})
}
