package hearth

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

type resolvedOptions struct {
	port        int
	kernelURL   string
	sqlitePath  string
	databaseURL string
	logger      *slog.Logger
	version     string
	hooks       []BuildHook
	middlewares []Middleware
}

// WithPort overrides the TCP port from config (HEARTH_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithKernelURL overrides the kernel bridge URL (HEARTH_KERNEL_URL env var).
func WithKernelURL(url string) Option {
	return func(o *resolvedOptions) { o.kernelURL = url }
}

// WithSQLitePath stores the recent-builds registry in the SQLite file at path
// (HEARTH_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithDatabaseURL stores the recent-builds registry in Postgres
// (DATABASE_URL env var). It takes precedence over WithSQLitePath.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithBuildHook registers a hook for build lifecycle notifications.
func WithBuildHook(hook BuildHook) Option {
	return func(o *resolvedOptions) { o.hooks = append(o.hooks, hook) }
}

// WithMiddleware registers an outermost HTTP middleware.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
