package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/probgenlabs/probgen/internal/accountkit"
	"github.com/probgenlabs/probgen/internal/apiclient"
	"github.com/probgenlabs/probgen/internal/credstore"
	"github.com/probgenlabs/probgen/internal/history"
	"github.com/probgenlabs/probgen/internal/notices"
	"github.com/probgenlabs/probgen/internal/problems"
	"github.com/probgenlabs/probgen/internal/profilecache"
	"github.com/probgenlabs/probgen/internal/session"
)

// application wires every component against one backend. The session
// controller owns authentication state; everything else reads through it.
type application struct {
	logger     *zap.Logger
	apiClient  *apiclient.Client
	controller *session.Controller
	gateway    *accountkit.Gateway
	notices    *notices.Service
	problems   *problems.Service

	historyPath string
	watcher     *credstore.FileWatcher
	cancel      context.CancelFunc
}

// buildApplication assembles the client stack and starts the session
// controller. Callers must Close the returned application.
func buildApplication(ctx context.Context, appConfig AppConfig, logger *zap.Logger) (*application, error) {
	apiClient, clientErr := apiclient.New(apiclient.Config{
		BaseURL: appConfig.APIBaseURL,
		Timeout: appConfig.HTTPTimeout,
		Logger:  logger,
	})
	if clientErr != nil {
		return nil, clientErr
	}

	var entryStore profilecache.EntryStore
	if appConfig.CacheURL != "" {
		databaseStore, storeErr := profilecache.NewDatabaseStore(ctx, appConfig.CacheURL)
		if storeErr != nil {
			return nil, storeErr
		}
		entryStore = databaseStore
		logger.Info("using persistent profile cache")
	} else {
		entryStore = profilecache.NewMemoryStore()
	}

	cache, cacheErr := profilecache.New(profilecache.Config{
		Store:     entryStore,
		Fetch:     accountkit.ProfileFetcher(apiClient),
		Staleness: appConfig.ProfileTTL,
		Logger:    logger,
	})
	if cacheErr != nil {
		return nil, cacheErr
	}

	if mkdirErr := os.MkdirAll(filepath.Dir(appConfig.CredentialsPath), 0o700); mkdirErr != nil {
		return nil, fmt.Errorf("app.credentials_dir: %w", mkdirErr)
	}
	credentialStore, storeErr := credstore.NewFileStore(appConfig.CredentialsPath)
	if storeErr != nil {
		return nil, storeErr
	}
	watcher, watcherErr := credstore.NewFileWatcher(appConfig.CredentialsPath, logger)
	if watcherErr != nil {
		return nil, watcherErr
	}

	controller, controllerErr := session.NewController(session.Config{
		Store:        credentialStore,
		Cache:        cache,
		Header:       apiClient,
		Notifiers:    []credstore.Notifier{watcher},
		PollInterval: appConfig.PollInterval,
		Logger:       logger,
	})
	if controllerErr != nil {
		return nil, controllerErr
	}

	gateway, gatewayErr := accountkit.NewGateway(apiClient, controller, cache, logger)
	if gatewayErr != nil {
		return nil, gatewayErr
	}
	noticeService, noticeErr := notices.NewService(apiClient, logger)
	if noticeErr != nil {
		return nil, noticeErr
	}
	problemService, problemErr := problems.NewService(apiClient, controller, logger)
	if problemErr != nil {
		return nil, problemErr
	}

	// A rejected request means the tokens are no longer honored; converge
	// on the controller's cleanup path.
	runCtx, cancel := context.WithCancel(ctx)
	apiClient.SetUnauthorizedHook(func() {
		logger.Warn("backend rejected the session, logging out")
		controller.Logout(runCtx)
	})

	go watcher.Run(runCtx)
	go controller.Run(runCtx)
	controller.Recheck(ctx)

	return &application{
		logger:      logger,
		apiClient:   apiClient,
		controller:  controller,
		gateway:     gateway,
		notices:     noticeService,
		problems:    problemService,
		historyPath: appConfig.HistoryPath,
		watcher:     watcher,
		cancel:      cancel,
	}, nil
}

// openHistory opens the local generation history database lazily so commands
// that never touch history do not create it.
func (app *application) openHistory() (*history.Store, error) {
	if mkdirErr := os.MkdirAll(filepath.Dir(app.historyPath), 0o700); mkdirErr != nil {
		return nil, fmt.Errorf("app.history_dir: %w", mkdirErr)
	}
	return history.NewStore(app.historyPath)
}

func (app *application) Close() {
	app.cancel()
	if closeErr := app.watcher.Close(); closeErr != nil {
		app.logger.Warn("credential watcher close failed", zap.Error(closeErr))
	}
}
