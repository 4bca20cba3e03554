package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tacoaboutit/placeclient/internal/config"
	"github.com/tacoaboutit/placeclient/internal/filter"
	"github.com/tacoaboutit/placeclient/internal/places"
	"github.com/tacoaboutit/placeclient/internal/render"
	"github.com/tacoaboutit/placeclient/internal/server"
)

type configWatcher interface {
	Stop()
}

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error)
}

type fileLoader struct {
	*config.Loader
}

func (l fileLoader) Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error) {
	return l.Loader.Watch(ctx, onChange, onError)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

var newConfigLoader = func(prefix string, files []string) configLoader {
	return fileLoader{config.NewLoader(prefix, files...)}
}

var newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler, hooks ...server.ShutdownHook) (runnableServer, error) {
	return server.New(cfg, logger, handler, hooks...)
}

var (
	searchLat        float64
	searchLng        float64
	searchRadius     float64
	searchMaxResults int
	searchQuery      string
	searchRefresh    bool
	searchFilter     string
	outputTemplate   string
	reviewsName      string
	reviewsAddress   string
)

func init() {
	rootCmd.AddCommand(serveCmd, maintainCmd, logoutCmd, searchCmd, reviewsCmd)

	searchCmd.Flags().Float64Var(&searchLat, "lat", 0, "latitude")
	searchCmd.Flags().Float64Var(&searchLng, "lng", 0, "longitude")
	searchCmd.Flags().Float64Var(&searchRadius, "radius", places.DefaultRadius, "search radius in meters")
	searchCmd.Flags().IntVar(&searchMaxResults, "max", places.DefaultMaxResults, "maximum results")
	searchCmd.Flags().StringVarP(&searchQuery, "query", "q", places.DefaultTextQuery, "text query")
	searchCmd.Flags().BoolVar(&searchRefresh, "refresh", false, "bypass the response cache")
	searchCmd.Flags().StringVar(&searchFilter, "filter", "", "CEL expression over place fields; only matches are printed")
	_ = searchCmd.MarkFlagRequired("lat")
	_ = searchCmd.MarkFlagRequired("lng")

	reviewsCmd.Flags().StringVar(&reviewsName, "name", "", "display name of the place")
	reviewsCmd.Flags().StringVar(&reviewsAddress, "address", "", "formatted address of the place")

	for _, cmd := range []*cobra.Command{searchCmd, reviewsCmd} {
		cmd.Flags().StringVar(&outputTemplate, "template", "", "Go template for output instead of JSON")
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local HTTP facade",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		err := run(ctx, envPrefix, configFiles)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Purge expired and excess entries from the response cache",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			report, err := a.cache.RunMaintenance(ctx)
			if err != nil {
				return err
			}
			return render.Output(cmd.OutOrStdout(), nil, report)
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored backend session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(_ context.Context, a *app) error {
			a.sessions.ClearSession()
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "session cleared")
			return err
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search places near a location",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var match *filter.Filter
		if searchFilter != "" {
			compiled, err := filter.Compile(searchFilter)
			if err != nil {
				return err
			}
			match = compiled
		}
		tmpl, err := compileOutputTemplate()
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			results, err := a.places.SearchPlaces(ctx, places.SearchRequest{
				Location:     places.GeoLocation{Latitude: searchLat, Longitude: searchLng},
				Radius:       searchRadius,
				MaxResults:   searchMaxResults,
				TextQuery:    searchQuery,
				ForceRefresh: searchRefresh,
			})
			if err != nil {
				return err
			}
			if match != nil {
				results = match.Apply(results)
			}
			return render.Output(cmd.OutOrStdout(), tmpl, results)
		})
	},
}

var reviewsCmd = &cobra.Command{
	Use:   "reviews <place-id>",
	Short: "Show review sentiment for a place",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tmpl, err := compileOutputTemplate()
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			analysis, err := a.places.Reviews(ctx, places.ReviewsRequest{
				PlaceID:          args[0],
				DisplayName:      reviewsName,
				FormattedAddress: reviewsAddress,
			})
			if err != nil {
				return err
			}
			return render.Output(cmd.OutOrStdout(), tmpl, analysis)
		})
	},
}

func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := newConfigLoader(envPrefix, configFiles).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Warn("shutdown failed", slog.Any("error", err))
		}
	}()
	return fn(ctx, a)
}

// run serves the HTTP facade until ctx is cancelled. Config file changes
// update the response cache's expiration policy in place; other settings
// apply on restart.
func run(ctx context.Context, prefix string, files []string) error {
	loader := newConfigLoader(prefix, files)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	if len(files) > 0 {
		watcher, err := loader.Watch(ctx, func(next config.Config) {
			a.cache.SetPolicy(policyFromConfig(next))
			a.logger.Info("configuration reloaded", slog.Any("sources", next.Sources))
		}, func(err error) {
			a.logger.Error("config watcher error", slog.Any("error", err))
		})
		if err != nil {
			a.logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewHandler(server.Services{
		Places:   a.places,
		Images:   a.images,
		Cache:    a.cache,
		Sessions: a.sessions,
		Metrics:  a.metrics,
		Logger:   a.logger,

		DefaultPhotoWidth: cfg.Photos.DefaultMaxWidth,
	})
	maintain := func(ctx context.Context) {
		report, err := a.cache.RunMaintenance(ctx)
		if err != nil {
			a.logger.Warn("shutdown maintenance failed", slog.Any("error", err))
			return
		}
		a.logger.Info("shutdown maintenance complete", slog.Int("removed", report.Removed()))
	}
	srv, err := newHTTPServer(cfg, a.logger, handler, maintain)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil {
		return err
	}
	a.logger.Info("server shutdown complete")
	return nil
}

func compileOutputTemplate() (*render.Template, error) {
	if outputTemplate == "" {
		return nil, nil
	}
	return render.Compile("output", outputTemplate)
}
