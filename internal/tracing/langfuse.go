// Package tracing wires Langfuse tracing into eino's global callbacks so
// every chat model call made by the responder is recorded.
package tracing

import (
	"os"

	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"

	"github.com/54b3r/kbchat-go/internal/version"
)

const defaultHost = "http://localhost:3000"

// Options holds the Langfuse connection settings.
type Options struct {
	Host      string
	PublicKey string
	SecretKey string
}

// Enabled reports whether both keys are present.
func (o Options) Enabled() bool { return o.PublicKey != "" && o.SecretKey != "" }

// FromEnv reads LANGFUSE_HOST, LANGFUSE_PUBLIC_KEY and LANGFUSE_SECRET_KEY.
func FromEnv() Options {
	o := Options{
		Host:      os.Getenv("LANGFUSE_HOST"),
		PublicKey: os.Getenv("LANGFUSE_PUBLIC_KEY"),
		SecretKey: os.Getenv("LANGFUSE_SECRET_KEY"),
	}
	if o.Host == "" {
		o.Host = defaultHost
	}
	return o
}

// Setup builds the Langfuse callback handler. The returned flush function
// must be called before process exit so buffered traces are sent. When the
// keys are missing it returns nil, nil, false and tracing stays off.
func Setup(o Options) (callbacks.Handler, func(), bool) {
	if !o.Enabled() {
		return nil, nil, false
	}
	handler, flusher := langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      o.Host,
		PublicKey: o.PublicKey,
		SecretKey: o.SecretKey,
		Name:      "kbchat",
		Release:   version.Version,
	})
	return handler, flusher, true
}
