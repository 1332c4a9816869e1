// Package conduit is the root of the conduit runtime, re-exporting the core
// components from the sub-packages for convenient one-import use.
package conduit

import (
	"github.com/conduit-rpc/conduit-go/pkg/client"
	"github.com/conduit-rpc/conduit-go/pkg/factory"
	"github.com/conduit-rpc/conduit-go/pkg/protocol"
	"github.com/conduit-rpc/conduit-go/pkg/server"
	"github.com/conduit-rpc/conduit-go/pkg/transport"
)

// Version is the runtime version.
const Version = "0.1.0"

// Core constructors.
var (
	// NewClient creates a conduit client over a transport.
	NewClient = client.New

	// NewServer creates a conduit server over a transport.
	NewServer = server.New

	// NewTransport builds a transport from a unified config.
	NewTransport = transport.New

	// NewFactory builds servers and clients from declarative definitions.
	NewFactory = factory.New
)

// Capability path constants.
const (
	CapabilityTools     = protocol.CapabilityTools
	CapabilityResources = protocol.CapabilityResources
	CapabilityPrompts   = protocol.CapabilityPrompts
	CapabilityLogging   = protocol.CapabilityLogging
	CapabilitySampling  = protocol.CapabilitySampling
)

// Client options.
var (
	WithClientInfo         = client.WithInfo
	WithClientCapabilities = client.WithCapabilities
	WithClientLogger       = client.WithLogger
	WithCallTimeout        = client.WithCallTimeout
	WithBreaker            = client.WithBreaker
	WithEvents             = client.WithEvents
)

// Server options.
var (
	WithServerInfo         = server.WithInfo
	WithServerCapabilities = server.WithCapabilities
	WithServerLogger       = server.WithLogger
	WithToolProvider       = server.WithToolProvider
	WithResourceProvider   = server.WithResourceProvider
	WithPromptProvider     = server.WithPromptProvider
	WithRateLimit          = server.WithRateLimit
	WithShutdownTimeout    = server.WithShutdownTimeout
	WithHooks              = server.WithHooks
)
