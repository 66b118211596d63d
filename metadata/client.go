// Пакет metadata — ядро Metadata Module: клиент слоя доступа
// к метаданным распределённого объектного хранилища.
//
// Клиент владеет единственным живым подключением к хранилищу и ведёт
// конечный автомат инициализации:
//
//	Disconnected → Connecting → ProvisioningBuckets → InstallingTrigger → Ready
//
// Любая ошибка возвращает автомат в Disconnected и планирует повтор
// всей последовательности с randomized exponential backoff (±50%).
// Для read-only клиента фазы ProvisioningBuckets и InstallingTrigger
// пропускаются целиком.
package metadata

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bigkaa/goartstore/metadata-module/config"
	"github.com/bigkaa/goartstore/metadata-module/storeclient"
)

// Ошибки клиента.
var (
	// ErrNotConnected — операция вызвана без живого подключения.
	// Локальная ошибка, никогда не повторяется.
	ErrNotConnected = errors.New("нет активного подключения к хранилищу")
	// ErrClosed — клиент остановлен.
	ErrClosed = errors.New("клиент остановлен")
)

// State — фаза конечного автомата подключения.
type State string

const (
	// StateDisconnected — подключения нет, возможен запуск попытки.
	StateDisconnected State = "disconnected"
	// StateConnecting — устанавливается подключение к хранилищу.
	StateConnecting State = "connecting"
	// StateProvisioningBuckets — идемпотентное создание bucket'ов.
	StateProvisioningBuckets State = "provisioning_buckets"
	// StateInstallingTrigger — установка SQL-триггера счётчиков директорий.
	StateInstallingTrigger State = "installing_trigger"
	// StateReady — подключение готово, CRUD-операции доступны.
	StateReady State = "ready"
)

// Notification — уведомление подписчика о смене фазы.
// Err заполнен, если переход вызван ошибкой (фаза — Disconnected).
type Notification struct {
	// State — новая фаза
	State State
	// Err — ошибка, вызвавшая переход (nil при успехе)
	Err error
}

// Dialer устанавливает подключение к хранилищу метаданных.
// Сигнатуре соответствует pgstore.Connect.
type Dialer func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storeclient.Store, error)

// Stats — снимок состояния клиента.
type Stats struct {
	// State — текущая фаза автомата
	State State
	// Attempts — счётчик попыток инициализации
	Attempts int
	// LastError — последняя ошибка инициализации (пустая строка, если не было)
	LastError string
}

// Client — клиент слоя доступа к метаданным.
// Создание клиента немедленно запускает Connection Manager;
// операции возвращают ErrNotConnected до перехода в Ready.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger
	dial   Dialer

	mu       sync.RWMutex
	state    State
	store    storeclient.Store
	attempts int
	lastErr  error
	subs     []chan Notification

	errCh    chan error
	stopCh   chan struct{}
	stopOnce sync.Once
	runDone  chan struct{}
}

// New создаёт клиент и запускает цикл инициализации подключения.
func New(cfg *config.Config, dial Dialer, logger *slog.Logger) *Client {
	c := &Client{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "metadata-client")),
		dial:    dial,
		state:   StateDisconnected,
		errCh:   make(chan error, 16),
		stopCh:  make(chan struct{}),
		runDone: make(chan struct{}),
	}

	go c.run()
	return c
}

// run — цикл инициализации: одна попытка за раз, повтор с backoff.
// Количество повторов не ограничено — ограничен только рост задержки.
func (c *Client) run() {
	defer close(c.runDone)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryInitial
	bo.Multiplier = 2
	bo.MaxInterval = c.cfg.RetryMax
	bo.RandomizationFactor = 0.5
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		err := c.initAttempt()
		if err == nil {
			// Ready. Ошибки после Ready не рвут подключение —
			// они пересылаются потребителю как события.
			return
		}

		delay := bo.NextBackOff()
		c.logger.Warn("Инициализация подключения не удалась, повтор",
			slog.String("error", err.Error()),
			slog.String("delay", delay.String()),
			slog.Int("attempt", c.Stats().Attempts),
		)

		t := time.NewTimer(delay)
		select {
		case <-c.stopCh:
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// initAttempt выполняет одну попытку инициализации от начала до конца.
//
// Инвариант: в полёте не более одной попытки. Попытка стартует только
// из фазы Disconnected; нарушение — ошибка программирования.
func (c *Client) initAttempt() error {
	c.beginAttempt()
	initAttemptsTotal.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	// Фаза Connecting: ошибки до живого подключения
	// обрывают попытку сразу.
	st, err := c.dial(ctx, c.cfg, c.logger)
	if err != nil {
		c.failAttempt(StateConnecting, err)
		return err
	}

	if !c.cfg.ReadOnly {
		c.setState(StateProvisioningBuckets, nil)
		if err := c.provisionBuckets(ctx, st); err != nil {
			_ = st.Close()
			c.failAttempt(StateProvisioningBuckets, err)
			return err
		}

		c.setState(StateInstallingTrigger, nil)
		if err := c.installTrigger(ctx, st); err != nil {
			_ = st.Close()
			c.failAttempt(StateInstallingTrigger, err)
			return err
		}
	}
	// Read-only клиент пропускает обе фазы целиком: bucket'ы
	// и триггер провижинит кто-то из полноценных клиентов.

	c.mu.Lock()
	c.store = st
	c.mu.Unlock()
	c.setState(StateReady, nil)

	c.logger.Info("Подключение к хранилищу метаданных готово",
		slog.Bool("read_only", c.cfg.ReadOnly),
	)

	go c.forwardNotifications(st)
	return nil
}

// beginAttempt фиксирует старт попытки.
func (c *Client) beginAttempt() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDisconnected {
		// Вторая попытка поверх незавершённой — сломанный автомат.
		panic("metadata: попытка инициализации при незавершённой предыдущей (" + string(c.state) + ")")
	}
	c.state = StateConnecting
	c.attempts++
	c.notifyLocked(Notification{State: StateConnecting})
}

// failAttempt возвращает автомат в Disconnected и уведомляет подписчиков.
func (c *Client) failAttempt(phase State, err error) {
	initFailuresTotal.WithLabelValues(string(phase)).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
	c.state = StateDisconnected
	c.notifyLocked(Notification{State: StateDisconnected, Err: err})
}

// setState переводит автомат в новую фазу и уведомляет подписчиков.
func (c *Client) setState(s State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	c.notifyLocked(Notification{State: s, Err: err})
}

// notifyLocked рассылает уведомление без блокировки цикла инициализации:
// переполненный канал подписчика пропускает уведомление.
func (c *Client) notifyLocked(n Notification) {
	for _, ch := range c.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// forwardNotifications пересылает асинхронные ошибки хранилища.
// До Ready ошибки логируются и игнорируются: операции этой же попытки
// упадут сами, а попытка уже завершается неудачей. После Ready ошибки
// уходят потребителю, подключение не разрывается.
func (c *Client) forwardNotifications(st storeclient.Store) {
	n, ok := st.(storeclient.Notifier)
	if !ok {
		return
	}
	for {
		select {
		case <-c.stopCh:
			return
		case err, open := <-n.Notifications():
			if !open {
				return
			}
			if c.State() != StateReady {
				c.logger.Warn("Ошибка хранилища во время инициализации",
					slog.String("error", err.Error()))
				continue
			}
			select {
			case c.errCh <- err:
			default:
				c.logger.Warn("Канал асинхронных ошибок переполнен, ошибка пропущена",
					slog.String("error", err.Error()))
			}
		}
	}
}

// conn возвращает живое подключение или ErrNotConnected.
func (c *Client) conn() (storeclient.Store, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateReady || c.store == nil {
		return nil, ErrNotConnected
	}
	return c.store, nil
}

// State возвращает текущую фазу автомата.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Stats возвращает снимок состояния клиента.
func (c *Client) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{State: c.state, Attempts: c.attempts}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// Subscribe возвращает канал уведомлений о смене фаз.
// Канал буферизован; при переполнении уведомления пропускаются.
func (c *Client) Subscribe() <-chan Notification {
	ch := make(chan Notification, 8)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, ch)
	return ch
}

// WaitReady блокирует до перехода в Ready или отмены контекста.
func (c *Client) WaitReady(ctx context.Context) error {
	sub := c.Subscribe()
	if c.State() == StateReady {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return ErrClosed
		case n := <-sub:
			if n.State == StateReady {
				return nil
			}
		}
	}
}

// Errors возвращает канал асинхронных ошибок хранилища после Ready.
func (c *Client) Errors() <-chan error {
	return c.errCh
}

// Close останавливает клиент и закрывает подключение.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.runDone

	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.store != nil {
		err = c.store.Close()
		c.store = nil
	}
	c.state = StateDisconnected
	return err
}
