package app

// Application bundles the explicitly constructed collaborators. No service
// locator: everything is built once here and passed down.
type Application struct {
	Config Config
	Logger *Logger
	Client *AgentClient
	Store  SessionStore
	Chat   *Chat
}

func NewApplication(cfg Config) (*Application, error) {
	logger := NewLogger(DefaultLogWriter())
	client := NewAgentClient(cfg)

	var store SessionStore
	if st, err := NewSQLiteSessionStore(cfg.StorageRoot); err == nil {
		store = st
	} else {
		// Fallback when SQLite is unavailable.
		logger.Warn("sqlite store unavailable, using file store", map[string]any{"error": err.Error()})
		store = NewFileSessionStore(cfg.StorageRoot)
	}

	return &Application{
		Config: cfg,
		Logger: logger,
		Client: client,
		Store:  store,
		Chat:   NewChat(store, client, logger, cfg),
	}, nil
}

// Close releases store resources. Safe to call on any store kind.
func (a *Application) Close() error {
	if closer, ok := a.Store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
