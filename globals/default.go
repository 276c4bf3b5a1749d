package globals

import "github.com/hashicorp/go-hclog"

var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:  "genmob",
	Level: hclog.LevelFromString("INFO"),
})
