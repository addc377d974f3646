package main

import (
	"errors"
	"flag"
	"io"
	"log"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"gorm.io/gorm"

	"github.com/masa23/mailhookd/config"
	"github.com/masa23/mailhookd/mailstore"
	"github.com/masa23/mailhookd/model"
	"github.com/masa23/mailhookd/objectstorage"
	"github.com/masa23/mailhookd/webhook"
)

var (
	conf       *config.Config
	db         *gorm.DB
	store      *mailstore.Store
	archive    *objectstorage.Archive
	dispatcher *webhook.Dispatcher
	version    = "dev"
)

func intQuery(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func getMessages(c echo.Context) error {
	accountID, err := strconv.ParseUint(c.QueryParam("account_id"), 10, 64)
	if err != nil {
		return c.JSON(400, map[string]string{"error": "account_id is required"})
	}

	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	var messages []model.Message
	if q := c.QueryParam("q"); q != "" {
		messages, err = store.Search(accountID, q, limit, offset)
	} else {
		folder := c.QueryParam("folder")
		if folder == "" {
			folder = model.FolderInbox
		}
		messages, err = store.List(accountID, folder, limit, offset)
	}
	if err != nil {
		c.Logger().Error("Failed to fetch messages:", err)
		return c.JSON(500, map[string]string{"error": "Failed to fetch messages"})
	}

	return c.JSON(200, messages)
}

type messageWithRaw struct {
	Raw string `json:"raw,omitempty"`
	model.Message
}

func getMessage(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(400, map[string]string{"error": "invalid message id"})
	}
	accountID, err := strconv.ParseUint(c.QueryParam("account_id"), 10, 64)
	if err != nil {
		return c.JSON(400, map[string]string{"error": "account_id is required"})
	}

	message, err := store.Get(id, accountID)
	if err != nil {
		if errors.Is(err, mailstore.ErrNotFound) {
			return c.JSON(404, map[string]string{"error": "Message not found"})
		}
		return c.JSON(500, map[string]string{"error": "Failed to fetch message"})
	}

	resp := messageWithRaw{Message: *message}
	if archive != nil && message.ArchiveKey != "" {
		obj, err := archive.Download(message.ArchiveKey)
		if err != nil {
			c.Logger().Error("Failed to download message:", err)
			return c.JSON(500, map[string]string{"error": "Failed to download message"})
		}
		defer obj.Close()

		raw, err := io.ReadAll(obj)
		if err != nil {
			return c.JSON(500, map[string]string{"error": "Failed to read message body"})
		}
		resp.Raw = string(raw)
	}

	return c.JSON(200, resp)
}

func getWebhookLogs(c echo.Context) error {
	webhookID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(400, map[string]string{"error": "invalid webhook id"})
	}

	logs, err := store.ListDeliveryLogs(webhookID, intQuery(c, "limit", 50), intQuery(c, "offset", 0))
	if err != nil {
		return c.JSON(500, map[string]string{"error": "Failed to fetch delivery logs"})
	}
	return c.JSON(200, logs)
}

func postWebhookTest(c echo.Context) error {
	webhookID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(400, map[string]string{"error": "invalid webhook id"})
	}

	result, err := dispatcher.Test(c.Request().Context(), webhookID)
	if err != nil {
		if errors.Is(err, webhook.ErrSubscriptionNotFound) {
			return c.JSON(404, map[string]string{"error": "Webhook not found"})
		}
		return c.JSON(500, map[string]string{"error": "Failed to test webhook"})
	}
	return c.JSON(200, result)
}

func main() {
	var confPath string
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.StringVar(&confPath, "conf", "./config.yaml", "Path to the configuration file")
	flag.Parse()

	if showVersion {
		log.Printf("Version: %s", version)
		return
	}

	var err error
	conf, err = config.Load(confPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if conf.ObjectStorage.Enabled {
		archive = objectstorage.New(conf.ObjectStorage)
	}

	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization},
		AllowCredentials: true,
	}))

	db, err = model.Open(conf.Database)
	if err != nil {
		e.Logger.Fatal("DB connection failed:", err)
	}
	if err := model.Migrate(db); err != nil {
		e.Logger.Fatal("Migration failed:", err)
	}
	store = mailstore.New(db)
	dispatcher = webhook.NewDispatcher(db)

	e.GET("/api/messages", getMessages)
	e.GET("/api/messages/:id", getMessage)
	e.GET("/api/webhooks/:id/logs", getWebhookLogs)
	e.POST("/api/webhooks/:id/test", postWebhookTest)

	e.Logger.Fatal(e.Start(conf.API.Listen))
}
