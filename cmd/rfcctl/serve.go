package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/rfcctl/internal/client"
	"github.com/danmuck/rfcctl/internal/config"
	"github.com/danmuck/rfcctl/internal/flights"
	"github.com/danmuck/rfcctl/internal/rfc"
	"github.com/danmuck/rfcctl/internal/server"
	"github.com/danmuck/rfcctl/internal/tables"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var overridePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve BAPI_FLIGHT_GETLIST and RFC_READ_TABLE",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := opts.load()
			if err != nil {
				return err
			}
			if overridePath != "" {
				if err := applyServerOverride(overridePath, &f.Server); err != nil {
					return err
				}
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, cleanup, err := buildServer(ctx, f)
			if err != nil {
				return err
			}
			defer cleanup()

			fmt.Fprintf(cmd.OutOrStdout(), "%s program %s on %s\n", green("serving"), f.Server.ProgramID, f.Server.Listen)
			serveErr := srv.Serve(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("shutdown")
			}
			return serveErr
		},
	}
	cmd.Flags().StringVar(&overridePath, "override", "", "server override file (BurntSushi TOML)")
	return cmd
}

// buildServer installs the demo functions on a server built from f.
func buildServer(ctx context.Context, f config.File) (*server.Server, func(), error) {
	sc, err := f.ServerConfig()
	if err != nil {
		return nil, nil, err
	}
	srv := server.New(sc)

	src, closeSrc, err := tableSource(ctx, f.Server.Tables)
	if err != nil {
		return nil, nil, err
	}

	getList := flights.GetListDescriptor()
	if from := f.Server.ImportFrom; from != "" {
		if getList, err = importDescriptor(ctx, f, from, flights.GetListFunction); err != nil {
			closeSrc()
			return nil, nil, err
		}
	}
	if err := srv.InstallFunction(getList, server.HandlerFunc(flights.GetList(time.Now))); err != nil {
		closeSrc()
		return nil, nil, err
	}
	if err := srv.InstallFunction(tables.ReadTableDescriptor(), server.HandlerFunc(tables.ReadTable(src))); err != nil {
		closeSrc()
		return nil, nil, err
	}

	users, err := f.Server.UserStore()
	if err != nil {
		closeSrc()
		return nil, nil, err
	}
	if users != nil {
		srv.SetValidator(users)
	}
	srv.OnLogon(func(info server.LogonInfo) bool {
		log.Info().
			Str("user", info.User).
			Str("client", info.Client).
			Str("remote", info.RemoteAddr).
			Str("version", info.ClientVersion).
			Msg("logon request")
		return true
	})
	srv.OnServerError(func(err error) bool {
		log.Error().Err(err).Msg("server error, restarting")
		return true
	})
	return srv, closeSrc, nil
}

func tableSource(ctx context.Context, tc config.TablesConfig) (tables.Source, func(), error) {
	switch tc.Source {
	case config.TablesMongo:
		mt, err := tc.MongoTables()
		if err != nil {
			return nil, nil, err
		}
		mc, err := tables.ConnectMongo(ctx, tc.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		src, err := tables.NewMongoSource(mc.Database(tc.Database), mt)
		if err != nil {
			_ = mc.Disconnect(context.Background())
			return nil, nil, err
		}
		log.Info().Str("database", tc.Database).Int("tables", len(mt)).Msg("mongo table source")
		return src, func() { _ = mc.Disconnect(context.Background()) }, nil
	default:
		src := tables.NewMemorySource()
		if err := flights.RegisterSFlight(src, time.Now(), tc.SampleWeeks); err != nil {
			return nil, nil, err
		}
		return src, func() {}, nil
	}
}

// importDescriptor fetches a function signature from another destination.
func importDescriptor(ctx context.Context, f config.File, destination, function string) (rfc.FunctionDescriptor, error) {
	dest, err := f.Destination(destination)
	if err != nil {
		return rfc.FunctionDescriptor{}, err
	}
	cc, err := f.ClientConfig(dest, nil)
	if err != nil {
		return rfc.FunctionDescriptor{}, err
	}
	s := client.New(cc)
	if err := s.Connect(ctx); err != nil {
		return rfc.FunctionDescriptor{}, fmt.Errorf("import %s from %s: %w", function, dest.Name, err)
	}
	defer s.Disconnect()
	fn, err := s.ImportCall(ctx, function)
	if err != nil {
		return rfc.FunctionDescriptor{}, fmt.Errorf("import %s from %s: %w", function, dest.Name, err)
	}
	log.Info().Str("function", function).Str("destination", dest.Name).Msg("imported function definition")
	return fn.Descriptor(), nil
}
