// Command watchbot runs the Telegram bot, the outbox worker that mirrors
// committed batches to Notion, and the operations API.
package main

import (
	"github.com/joho/godotenv"
	"go.uber.org/fx"

	"github.com/tbourn/go-watchbot/internal/app"
	"github.com/tbourn/go-watchbot/internal/config"
)

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()
	fx.New(app.Options(cfg)).Run()
}
