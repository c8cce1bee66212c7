package uatcp

import (
	"context"
	"net"
	"os"
)

// defaultBacklog is the listen backlog of the server socket.
const defaultBacklog = 100

// layerOptions holds the configuration of a server network layer.
type layerOptions struct {
	sockets  Sockets
	framer   Framer
	metrics  *LayerMetrics
	backlog  int
	hostname string
}

// LayerOption is a function that configures a server network layer.
type LayerOption func(*layerOptions)

// LayerSocketsOption returns a LayerOption that replaces the operating
// system socket capability.
func LayerSocketsOption(sockets Sockets) LayerOption {
	return func(o *layerOptions) {
		o.sockets = sockets
	}
}

// LayerFramerOption returns a LayerOption that sets the message framer.
// The default is ChunkFramer.
func LayerFramerOption(framer Framer) LayerOption {
	return func(o *layerOptions) {
		o.framer = framer
	}
}

// LayerMetricsOption returns a LayerOption that records activity in m.
func LayerMetricsOption(m *LayerMetrics) LayerOption {
	return func(o *layerOptions) {
		o.metrics = m
	}
}

// LayerBacklogOption returns a LayerOption that sets the listen backlog.
func LayerBacklogOption(backlog int) LayerOption {
	return func(o *layerOptions) {
		o.backlog = backlog
	}
}

// LayerHostnameOption returns a LayerOption that sets the host used in
// the discovery url. The default is the machine's hostname.
func LayerHostnameOption(hostname string) LayerOption {
	return func(o *layerOptions) {
		o.hostname = hostname
	}
}

// checkLayerOptions sets default values for layer options.
func checkLayerOptions(opts *layerOptions) {
	if opts.sockets == nil {
		opts.sockets = defaultSockets()
	}

	if opts.framer == nil {
		opts.framer = ChunkFramer{}
	}

	if opts.backlog <= 0 {
		opts.backlog = defaultBacklog
	}

	if opts.hostname == "" {
		if name, err := os.Hostname(); err == nil {
			opts.hostname = name
		} else {
			opts.hostname = "localhost"
		}
	}
}

// Resolver looks up the addresses of a host. *net.Resolver implements it.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// clientOptions holds the configuration of the client connector.
type clientOptions struct {
	sockets  Sockets
	resolver Resolver
	logger   Logger
}

// ClientOption is a function that configures the client connector.
type ClientOption func(*clientOptions)

// ClientSocketsOption returns a ClientOption that replaces the operating
// system socket capability.
func ClientSocketsOption(sockets Sockets) ClientOption {
	return func(o *clientOptions) {
		o.sockets = sockets
	}
}

// ClientResolverOption returns a ClientOption that sets the host resolver.
// If not set, net.DefaultResolver is used.
func ClientResolverOption(resolver Resolver) ClientOption {
	return func(o *clientOptions) {
		o.resolver = resolver
	}
}

// ClientLoggerOption returns a ClientOption that sets the logger.
// If not set, the default slog logger will be used.
func ClientLoggerOption(logger Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// checkClientOptions sets default values for client options.
func checkClientOptions(opts *clientOptions) {
	if opts.sockets == nil {
		opts.sockets = defaultSockets()
	}

	if opts.resolver == nil {
		opts.resolver = net.DefaultResolver
	}

	opts.logger = networkLogger(opts.logger)
}

// checkConfig replaces unusable limits with the standard ones.
func checkConfig(conf ConnectionConfig) ConnectionConfig {
	std := StandardConnectionConfig()
	if conf.RecvBufferSize == 0 {
		conf.RecvBufferSize = std.RecvBufferSize
	}
	if conf.SendBufferSize == 0 {
		conf.SendBufferSize = std.SendBufferSize
	}
	return conf
}
