package plugins

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/ghaiht95/genmob/config"
	"github.com/ghaiht95/genmob/tunnel"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

const configureTimeout = 30 * time.Second

// StartProvisioner launches the provisioner plugin command, hands it tc and returns its client side. The returned
// plugin.Client has to be killed on shutdown (plugin.CleanupClients does that for managed clients).
func StartProvisioner(tc config.TunnelConfig, logger hclog.Logger) (tunnel.Provisioner, *plugin.Client, error) {
	cmd := tc.PluginCmd
	if cmd == "" {
		return nil, nil, fmt.Errorf("no provisioner plugin command configured")
	}
	pluginClient := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap,
		Cmd:              exec.Command("sh", "-c", cmd),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
		Managed:          true,
		Logger:           logger,
	})

	// Connect via RPC
	rpcClient, err := pluginClient.Client()
	if err != nil {
		pluginClient.Kill()
		return nil, nil, fmt.Errorf("could not start provisioner plugin: %w", err)
	}

	// Request the plugin
	raw, err := rpcClient.Dispense(ProvisionerPluginName)
	if err != nil {
		pluginClient.Kill()
		return nil, nil, fmt.Errorf("could not dispense provisioner plugin: %w", err)
	}
	provisioner, err := configure(raw, tc)
	if err != nil {
		pluginClient.Kill()
		return nil, nil, err
	}
	return provisioner, pluginClient, nil
}

func configure(raw interface{}, tc config.TunnelConfig) (tunnel.Provisioner, error) {
	client, ok := raw.(*RPCClient)
	if !ok {
		return nil, fmt.Errorf("plugin does not implement the provisioner interface")
	}
	ctx, cancel := context.WithTimeout(context.Background(), configureTimeout)
	defer cancel()
	if err := client.Configure(ctx, tc); err != nil {
		return nil, fmt.Errorf("could not configure provisioner plugin: %w", err)
	}
	return client, nil
}
