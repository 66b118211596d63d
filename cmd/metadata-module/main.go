// Точка входа Metadata Module — слой доступа к метаданным
// распределённого объектного хранилища Artstore.
// Загружает конфигурацию, запускает Connection Manager (подключение
// к PostgreSQL, провижининг bucket'ов, установка SQL-триггера),
// мониторинг зависимостей topologymetrics и HTTP-сервер health/metrics
// с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/bigkaa/goartstore/metadata-module/config"
	"github.com/bigkaa/goartstore/metadata-module/metadata"
	"github.com/bigkaa/goartstore/metadata-module/server"
	"github.com/bigkaa/goartstore/metadata-module/storeclient"
	"github.com/bigkaa/goartstore/metadata-module/storeclient/pgstore"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Metadata Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.Bool("read_only", cfg.ReadOnly),
	)

	// Предупреждения о дефолтных значениях topologymetrics
	if os.Getenv("MM_DEPHEALTH_GROUP") == "" {
		logger.Warn("MM_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Клиент слоя метаданных. Создание немедленно запускает цикл
	// подключения; повторы с backoff идут в фоне, сервер health/metrics
	// отражает текущую фазу автомата.
	var pg *pgstore.Client
	dial := func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storeclient.Store, error) {
		c, dialErr := pgstore.Connect(ctx, cfg, logger)
		if dialErr != nil {
			return nil, dialErr
		}
		pg = c
		return c, nil
	}

	client := metadata.New(cfg, dial, logger)
	defer client.Close()

	// 4. topologymetrics — мониторинг зависимостей (PostgreSQL).
	// Стартует после перехода в Ready: connection pool mode требует
	// живой pgxpool. До Ready readiness probe и так отвечает fail.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if waitErr := client.WaitReady(ctx); waitErr != nil {
			return
		}

		dephealthSvc, dhErr := metadata.NewDephealthService(
			"metadata-module",
			cfg.DephealthGroup,
			pg.StdDB(),
			cfg.DatabaseDSN(),
			cfg.DephealthCheckInterval,
			logger,
		)
		if dhErr != nil {
			logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
				slog.String("error", dhErr.Error()),
			)
			return
		}
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
			return
		}
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
		<-ctx.Done()
		dephealthSvc.Stop()
	}()

	// 5. Логирование асинхронных ошибок хранилища после Ready
	go func() {
		for storeErr := range client.Errors() {
			logger.Error("Асинхронная ошибка хранилища",
				slog.String("error", storeErr.Error()),
			)
		}
	}()

	// 6. Создание и запуск HTTP-сервера health/metrics
	healthHandler := server.NewHealthHandler(client)
	srv := server.New(cfg, logger, healthHandler,
		server.RequestID(),
		server.RequestLogger(logger),
	)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Metadata Module остановлен")
}
