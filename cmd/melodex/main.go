package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/melodex/melodex/internal/clock"
	"github.com/melodex/melodex/internal/config"
	"github.com/melodex/melodex/internal/logger"
	"github.com/melodex/melodex/internal/migration"
	"github.com/melodex/melodex/internal/server"
	"github.com/melodex/melodex/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
