package main

import (
	"os"

	"github.com/ghaiht95/genmob/config"
	"github.com/ghaiht95/genmob/plugins"
	"github.com/ghaiht95/genmob/tunnel"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

// The SoftEther provisioner as a go-plugin. The host sends its [tunnel] configuration with the Configure call right
// after dispensing the plugin. Log lines go to the host, which filters them by its own level.

var appLogger = hclog.New(&hclog.LoggerOptions{
	Name:       "softether-plugin",
	Level:      hclog.LevelFromString("DEBUG"),
	Output:     os.Stderr,
	JSONFormat: true,
})

func main() {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: plugins.Handshake,
		Plugins: map[string]plugin.Plugin{
			plugins.ProvisionerPluginName: &plugins.ProvisionerPlugin{
				Factory: func(tc config.TunnelConfig) (tunnel.Provisioner, error) {
					return tunnel.NewSoftEther(tc, appLogger)
				},
			},
		},
		Logger: appLogger,
	})
}
