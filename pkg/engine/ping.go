package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// PingResult is the outcome of checking one service.
type PingResult struct {
	Service string
	Plugin  string
	Elapsed time.Duration
	Err     error
}

// Reachable reports whether the service answered.
func (r PingResult) Reachable() bool { return r.Err == nil }

// Ping checks connectivity with every service of the scope concurrently, one
// fresh plugin instance per service. The returned error joins all failures.
func (r *Reconciler) Ping(ctx context.Context, identifier string) ([]PingResult, error) {
	services, err := r.resolver.ResolveServices(identifier)
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, ConfigurationError("no services defined", nil)
	}

	results := make([]PingResult, len(services))
	var wg sync.WaitGroup
	for i, svc := range services {
		if !r.loader.Exists(svc.Plugin) {
			r.logger.Warn().Msgf("ignoring '%s/%s' (no matching plugin).", r.resolver.Workspace(), svc.Plugin)
			results[i] = PingResult{Service: svc.Name, Plugin: svc.Plugin, Err: PluginMissingError(svc.Plugin)}
			continue
		}
		wg.Add(1)
		go func(i int, svc ServiceTarget) {
			defer wg.Done()
			results[i] = r.pingService(ctx, svc)
		}(i, svc)
	}
	wg.Wait()

	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return results, errors.Join(errs...)
}

func (r *Reconciler) pingService(ctx context.Context, svc ServiceTarget) PingResult {
	logger := r.logger.With().Str("service", svc.Name).Str("plugin", svc.Plugin).Logger()
	logger.Info().Msgf("checking %s", svc.Name)

	start := time.Now()
	res := PingResult{Service: svc.Name, Plugin: svc.Plugin}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				logger.Info().Msgf("waiting for %s [%ds elapsed]", svc.Name, int(time.Since(start).Seconds()))
			}
		}
	}()

	res.Err = r.ping(ctx, svc)
	close(done)
	res.Elapsed = time.Since(start)

	if res.Err != nil {
		logger.Error().Err(res.Err).Msgf("unable to contact %s", svc.Name)
	} else {
		logger.Info().Dur("elapsed", res.Elapsed).Msgf("%s is reachable", svc.Name)
	}
	return res
}

func (r *Reconciler) ping(ctx context.Context, svc ServiceTarget) error {
	plugin, err := r.loader.Load(ctx, svc.Plugin)
	if err != nil {
		return err
	}
	defer plugin.Close(ctx)

	ok, err := plugin.Ping(ctx, svc.Settings)
	if err != nil {
		return wrapRuleError(err, svc.Plugin, svc.Name, "", "ping")
	}
	if !ok {
		return PluginInvocationError(svc.Plugin, "ping", fmt.Sprintf("service %s did not answer", svc.Name)).
			WithService(svc.Name)
	}
	return nil
}
