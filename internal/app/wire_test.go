package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avramidis/strategos/internal/config"
	"github.com/avramidis/strategos/internal/coordinator"
	"github.com/avramidis/strategos/internal/domain"
	"github.com/avramidis/strategos/internal/persistence"
	"github.com/avramidis/strategos/internal/recovery"
)

// the wired collaborators must satisfy the recovery contracts
var (
	_ recovery.DiskSweeper  = (*persistence.Store)(nil)
	_ recovery.MarginSource = (*marginSource)(nil)
	_ recovery.FeedSource   = (*feedSource)(nil)
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dataDir := t.TempDir()

	return &config.Config{
		DataDir:  dataDir,
		LogLevel: "info",

		Monitoring: config.MonitoringConfig{
			HealthCheckIntervalSec:         1,
			HeartbeatIntervalSec:           1,
			HealthCheckTimeoutSec:          5,
			AutoRecoveryEnabled:            true,
			CriticalErrorThreshold:         3,
			MetricsPersistenceIntervalSec:  60,
			EmergencyStopOnCriticalFailure: true,
			ComponentStartupTimeoutSec:     10,
			ShutdownTimeoutSec:             10,
			EmergencyShutdownTimeoutSec:    5,
		},
		Recovery: config.RecoveryConfig{
			MonitoringIntervalSec:       1,
			MaxConcurrentRecoveries:     2,
			RecoveryHistorySize:         50,
			HealthHistorySize:           50,
			MemoryCriticalThresholdPct:  90,
			CPUCriticalThresholdPct:     95,
			DiskCriticalThresholdPct:    95,
			MarginCriticalThreshold:     150,
			MarketDataStaleThresholdMin: 5,
			NetworkProbeAddr:            "127.0.0.1:1",
			WorkerPoolSize:              2,
		},
		Persistence: config.PersistenceConfig{
			BasePath:                  filepath.Join(dataDir, "records"),
			BackupPath:                filepath.Join(dataDir, "backups"),
			EnableCompression:         true,
			CompressionThresholdBytes: 4096,
			BackupIntervalH:           6,
			RetentionDays:             30,
			MaxFileSizeMB:             10,
			EnableIndex:               true,
			IndexTimeoutSec:           5,
			AtomicWrites:              true,
			WorkerPoolSize:            2,
		},
		Risk: config.RiskConfig{
			MaxRiskPerTradePct:   1.5,
			MaxPositions:         3,
			MaxVolumePerSymbol:   1.0,
			MaxDrawdownPct:       10,
			DailyLossCap:         300,
			WeeklyLossCap:        1000,
			MonthlyLossCap:       3000,
			CorrelationThreshold: 0.7,
		},
		Analytics: config.AnalyticsConfig{
			EventQueueCapacity:          100,
			MetricsRefreshSec:           1,
			DataRefreshSec:              1,
			EventBatchSize:              10,
			CacheTTLSec:                 300,
			MinCandles:                  20,
			MinSamplesForConfidence:     20,
			InsightGenerationInterval:   100,
			StrengthThreshold:           60,
			PhaseConfidenceThreshold:    50,
			LearningConfidenceThreshold: 40,
		},
		Gateway: config.GatewayConfig{
			BaseURL:           "http://127.0.0.1:18787",
			WSURL:             "ws://127.0.0.1:18787/stream",
			RequestTimeoutSec: 2,
		},
		Trading: config.TradingConfig{
			Mode:         "paper",
			Symbols:      []string{"EURUSD"},
			Timeframes:   []string{"M15"},
			CandleWindow: 50,
		},
		Server: config.ServerConfig{
			// port 0 binds an ephemeral port so parallel tests never collide
			Port: 0,
		},
	}
}

func wireContainer(t *testing.T, cfg *config.Config) *Container {
	t.Helper()

	c, err := Wire(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestWirePaperMode(t *testing.T) {
	c := wireContainer(t, testConfig(t))

	assert.NotNil(t, c.JournalDB)
	assert.NotNil(t, c.LearningDB)
	assert.NotNil(t, c.Store)
	assert.Nil(t, c.Offsite)
	assert.NotNil(t, c.Prom)
	assert.NotNil(t, c.Bus)
	assert.NotNil(t, c.Paper)
	assert.Nil(t, c.Gateway)
	assert.NotNil(t, c.Broker)
	assert.NotNil(t, c.Stream)
	assert.NotNil(t, c.Confluence)
	assert.NotNil(t, c.Structure)
	assert.NotNil(t, c.Synthesizer)
	assert.NotNil(t, c.Learning)
	assert.NotNil(t, c.Oracle)
	assert.NotNil(t, c.Gate)
	assert.NotNil(t, c.Executor)
	assert.NotNil(t, c.Pipeline)
	assert.NotNil(t, c.Probes)
	assert.NotNil(t, c.Recovery)
	assert.NotNil(t, c.Scheduler)
	assert.NotNil(t, c.Server)
	assert.NotNil(t, c.Coordinator)

	dbs := c.Databases()
	assert.Contains(t, dbs, "journal")
	assert.Contains(t, dbs, "learning")

	// every background job is registered before start
	entries := c.Scheduler.Entries()
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, names, []string{
		"persistence_backup",
		"retention_cleanup",
		"insight_scan",
		"daily_maintenance",
		"weekly_vacuum",
	})
}

func TestWireGatewayMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Trading.Mode = "gateway"

	c := wireContainer(t, cfg)

	assert.NotNil(t, c.Gateway)
	assert.Nil(t, c.Paper)
	assert.NotNil(t, c.Stream)
	assert.Same(t, c.Broker, domain.BrokerClient(c.Gateway))
}

func TestWireRejectsUnknownMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Trading.Mode = "live"

	_, err := Wire(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown trading mode")
}

func TestSystemStartStop(t *testing.T) {
	c := wireContainer(t, testConfig(t))

	require.NoError(t, c.Coordinator.Start())
	assert.Equal(t, coordinator.SystemRunning, c.Coordinator.State())

	status := c.Coordinator.Status()
	for _, name := range []string{"event_bus", "broker", "integrator", "scheduler", "server"} {
		comp, ok := status.ComponentHealth[name]
		require.True(t, ok, "component %s not registered", name)
		assert.Equal(t, coordinator.ComponentRunning, comp.State, "component %s", name)
	}
	assert.True(t, c.Paper.IsConnected())
	assert.NotEmpty(t, c.Server.Addr())

	require.NoError(t, c.Recovery.Start())
	require.NoError(t, c.Recovery.Stop())

	require.NoError(t, c.Coordinator.Stop(false))
	assert.Equal(t, coordinator.SystemStopped, c.Coordinator.State())
	assert.False(t, c.Paper.IsConnected())
}

func TestEmergencyStopFlattensBookAndRecords(t *testing.T) {
	c := wireContainer(t, testConfig(t))

	require.NoError(t, c.Coordinator.Start())

	c.Paper.SetAccount(10000, "USD")
	c.Paper.SetTick(domain.Tick{Symbol: "EURUSD", Bid: 1.1000, Ask: 1.1002, Time: time.Now().UTC()})

	_, err := c.Executor.ExecuteOrder(context.Background(), domain.OrderRequest{
		Symbol:     "EURUSD",
		Side:       domain.OrderSideBuy,
		Volume:     0.1,
		StopLoss:   1.0950,
		TakeProfit: 1.1100,
	})
	require.NoError(t, err)

	require.NoError(t, c.Coordinator.EmergencyStop())
	assert.Equal(t, coordinator.SystemStopped, c.Coordinator.State())

	positions, err := c.Paper.OpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)

	rec, err := c.Store.Load("emergency_stop", persistence.CategorySystemState)
	require.NoError(t, err)
	closed, ok := rec.Payload["closed"].([]interface{})
	require.True(t, ok, "closed list missing from %v", rec.Payload)
	require.Len(t, closed, 1)
	assert.Contains(t, closed[0].(string), "EURUSD")
	failed, ok := rec.Payload["failed"].([]interface{})
	require.True(t, ok)
	assert.Empty(t, failed)
}

func TestEmergencyFlattenRecordsCloseFailure(t *testing.T) {
	c := wireContainer(t, testConfig(t))

	require.NoError(t, c.Paper.Connect(context.Background()))
	c.Paper.SetAccount(10000, "USD")
	c.Paper.SetTick(domain.Tick{Symbol: "EURUSD", Bid: 1.1000, Ask: 1.1002, Time: time.Now().UTC()})

	_, err := c.Executor.ExecuteOrder(context.Background(), domain.OrderRequest{
		Symbol: "EURUSD",
		Side:   domain.OrderSideBuy,
		Volume: 0.1,
	})
	require.NoError(t, err)

	// a disconnected broker makes every per-position close fail
	require.NoError(t, c.Paper.Disconnect())

	flatten := emergencyFlatten(c.Executor, c.Store, zerolog.Nop())
	flatten(coordinator.SystemRunning, coordinator.SystemEmergencyStop)

	rec, err := c.Store.Load("emergency_stop", persistence.CategorySystemState)
	require.NoError(t, err)
	failed, ok := rec.Payload["failed"].([]interface{})
	require.True(t, ok, "failed list missing from %v", rec.Payload)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].(string), "not connected")
}

func TestDispatchGateFollowsSystemState(t *testing.T) {
	cfg := testConfig(t)
	coord := coordinator.New(cfg.Monitoring, nil, nil, zerolog.Nop())
	gate := dispatchGate(coord)

	// stopped system: no recovery dispatch
	assert.False(t, gate())

	require.NoError(t, coord.Start())
	assert.True(t, gate())

	require.NoError(t, coord.Stop(false))
	assert.False(t, gate())
}

func TestBusComponentLifecycle(t *testing.T) {
	c := wireContainer(t, testConfig(t))

	comp := &busComponent{bus: c.Bus}
	require.NoError(t, comp.Initialize())
	require.NoError(t, comp.Start())

	health := comp.HealthCheck()
	assert.True(t, health.Healthy)
	assert.Equal(t, "event_bus", health.Name)

	require.NoError(t, comp.Stop())
}

func TestBrokerComponentReportsDisconnect(t *testing.T) {
	c := wireContainer(t, testConfig(t))

	comp := &brokerComponent{broker: c.Broker, connectTimeout: 5 * time.Second}
	require.NoError(t, comp.Start())
	assert.True(t, comp.HealthCheck().Healthy)

	require.NoError(t, c.Paper.Disconnect())
	health := comp.HealthCheck()
	assert.False(t, health.Healthy)
	assert.True(t, health.Critical)
	assert.Equal(t, "broker disconnected", health.Message)
}

func TestMarginSourceReadsAccount(t *testing.T) {
	c := wireContainer(t, testConfig(t))

	require.NoError(t, c.Paper.Connect(context.Background()))
	c.Paper.SetAccount(10000, "USD")

	// no open positions means no margin in use and no level to report
	level, err := (&marginSource{broker: c.Broker}).MarginLevel(context.Background())
	require.NoError(t, err)
	assert.Zero(t, level)
}
