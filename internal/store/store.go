// Package store is the typed persistence layer over the managed Postgres.
//
// A Store handle is tenant-scoped: every write it performs carries the
// tenant's user_id, and row-level security on the database side enforces the
// same scoping for anon-key connections. The supervisor holds an unscoped
// handle whose only privileged read is the tenant registry.
//
// Secrets are decrypted through the vault on load and cached in memory per
// tenant with a bounded TTL; LoadSecrets(force=true) bypasses the cache.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"polybot/internal/vault"
	"polybot/pkg/types"
)

const secretsTTL = 10 * time.Minute

// Store wraps the shared database connection plus an optional tenant scope.
type Store struct {
	db     *gorm.DB
	vault  *vault.Vault
	userID string // empty for the supervisor's unscoped handle
	logger *slog.Logger

	secretsMu sync.RWMutex
	secrets   map[string]string
	secretsAt time.Time
}

// Open connects to the managed Postgres and returns an unscoped handle.
func Open(dsn string, v *vault.Vault, logger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &Store{db: db, vault: v, logger: logger.With("component", "store")}, nil
}

// ForTenant returns a handle scoped to one tenant. The underlying
// connection pool is shared; only the scope differs.
func (s *Store) ForTenant(userID string) *Store {
	return &Store{
		db:     s.db,
		vault:  s.vault,
		userID: userID,
		logger: s.logger.With("user_id", userID),
	}
}

// UserID returns the tenant scope, empty for unscoped handles.
func (s *Store) UserID() string { return s.userID }

// ————————————————————————————————————————————————————————————————————————
// Opportunities
// ————————————————————————————————————————————————————————————————————————

// LogOpportunity inserts a detected opportunity.
func (s *Store) LogOpportunity(o types.Opportunity) error {
	legs, err := json.Marshal(o.Legs)
	if err != nil {
		return fmt.Errorf("marshal legs: %w", err)
	}
	row := OpportunityRow{
		ID:                o.ID,
		UserID:            s.userID,
		DetectedAt:        o.DetectedAt,
		Strategy:          string(o.Strategy),
		Scanner:           o.Scanner,
		Legs:              datatypes.JSON(legs),
		ProfitPerContract: o.ProfitPerContract,
		ProfitPct:         o.ProfitPct,
		MaxSize:           o.MaxSize,
		TotalProfitUSD:    o.TotalProfitUSD,
		Confidence:        o.Confidence,
		Status:            string(o.Status),
		SkipReason:        o.SkipReason,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("log opportunity: %w", err)
	}
	return nil
}

// UpdateOpportunityStatus moves an opportunity to a terminal status.
func (s *Store) UpdateOpportunityStatus(id string, status types.OpportunityStatus, reason string, executedAt *time.Time) error {
	updates := map[string]any{"status": string(status)}
	if reason != "" {
		updates["skip_reason"] = reason
	}
	if executedAt != nil {
		updates["executed_at"] = *executedAt
	}
	q := s.db.Model(&OpportunityRow{}).Where("id = ?", id)
	if s.userID != "" {
		q = q.Where("user_id = ?", s.userID)
	}
	if err := q.Updates(updates).Error; err != nil {
		return fmt.Errorf("update opportunity %s: %w", id, err)
	}
	return nil
}

// RecentOpportunities returns the latest opportunities for this tenant.
func (s *Store) RecentOpportunities(limit int) ([]OpportunityRow, error) {
	var rows []OpportunityRow
	q := s.db.Order("detected_at desc").Limit(limit)
	if s.userID != "" {
		q = q.Where("user_id = ?", s.userID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("recent opportunities: %w", err)
	}
	return rows, nil
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// LogTrade inserts one trade leg.
func (s *Store) LogTrade(t types.Trade) error {
	row := TradeRow{
		ID:            t.ID,
		UserID:        s.userID,
		OpportunityID: t.OpportunityID,
		Venue:         string(t.Venue),
		MarketID:      t.MarketID,
		Side:          string(t.Side),
		Price:         t.Price,
		RequestedSize: t.RequestedSize,
		FilledSize:    t.FilledSize,
		FillPrice:     t.FillPrice,
		Status:        string(t.Status),
		VenueOrderID:  t.VenueOrderID,
		TxHash:        t.TxHash,
		FeesUSD:       t.FeesUSD,
		Error:         t.Error,
		CreatedAt:     t.CreatedAt,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("log trade: %w", err)
	}
	return nil
}

// LogLiveTrade records a live round trip with its venue order ids.
func (s *Store) LogLiveTrade(tradeID, buyOrderID, sellOrderID string, realizedUSD float64) error {
	row := LiveTradeRow{
		ID:          uuid.NewString(),
		UserID:      s.userID,
		TradeID:     tradeID,
		BuyOrderID:  buyOrderID,
		SellOrderID: sellOrderID,
		RealizedUSD: realizedUSD,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("log live trade: %w", err)
	}
	return nil
}

// RecentTrades returns the latest trades for this tenant.
func (s *Store) RecentTrades(limit int) ([]TradeRow, error) {
	var rows []TradeRow
	q := s.db.Order("created_at desc").Limit(limit)
	if s.userID != "" {
		q = q.Where("user_id = ?", s.userID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	return rows, nil
}

// DailyPnL sums today's filled trades using the signed convention:
// sells add, buys subtract, fees subtract.
func (s *Store) DailyPnL() (float64, error) {
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)

	var rows []TradeRow
	q := s.db.Where("created_at >= ? AND status IN ?", dayStart,
		[]string{string(types.OrderFilled), string(types.OrderPartial)})
	if s.userID != "" {
		q = q.Where("user_id = ?", s.userID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("daily pnl: %w", err)
	}

	var pnl float64
	for _, r := range rows {
		value := r.FillPrice * r.FilledSize
		if r.Side == string(types.SELL) {
			pnl += value
		} else {
			pnl -= value
		}
		pnl -= r.FeesUSD
	}
	return pnl, nil
}

// ————————————————————————————————————————————————————————————————————————
// Paper trades and stats
// ————————————————————————————————————————————————————————————————————————

// LogPaperTrade inserts one simulated attempt (including skipped ones).
func (s *Store) LogPaperTrade(row PaperTradeRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.UserID = s.userID
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("log paper trade: %w", err)
	}
	return nil
}

// PaperTradeCount returns the number of simulated trade rows for the tenant.
func (s *Store) PaperTradeCount() (int64, error) {
	var n int64
	q := s.db.Model(&PaperTradeRow{})
	if s.userID != "" {
		q = q.Where("user_id = ?", s.userID)
	}
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("paper trade count: %w", err)
	}
	return n, nil
}

// UpsertStatsSnapshot converges on the tenant's single stats anchor row.
// Concurrent writers must not fan out new anchors: the conflict target is
// the unique user_id index.
func (s *Store) UpsertStatsSnapshot(row StatsRow) error {
	row.UserID = s.userID
	row.UpdatedAt = time.Now().UTC()
	if row.UserID == "" {
		// Legacy single-tenant anchor.
		row.ID = 1
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert stats: %w", err)
	}
	return nil
}

// GetStatsSnapshot returns the tenant's stats row, ok=false when absent.
func (s *Store) GetStatsSnapshot() (StatsRow, bool, error) {
	var row StatsRow
	err := s.db.Where("user_id = ?", s.userID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return StatsRow{}, false, nil
	}
	if err != nil {
		return StatsRow{}, false, fmt.Errorf("get stats: %w", err)
	}
	return row, true, nil
}

// ————————————————————————————————————————————————————————————————————————
// Secrets
// ————————————————————————————————————————————————————————————————————————

// LoadSecrets loads and decrypts every secret row for this tenant. Results
// are cached with a bounded TTL; forceRefresh bypasses the cache.
func (s *Store) LoadSecrets(forceRefresh bool) (map[string]string, error) {
	if !forceRefresh {
		s.secretsMu.RLock()
		if s.secrets != nil && time.Since(s.secretsAt) < secretsTTL {
			cached := make(map[string]string, len(s.secrets))
			for k, v := range s.secrets {
				cached[k] = v
			}
			s.secretsMu.RUnlock()
			return cached, nil
		}
		s.secretsMu.RUnlock()
	}

	var rows []SecretRow
	if err := s.db.Where("user_id = ?", s.userID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}

	out := make(map[string]string, len(rows))
	for _, row := range rows {
		plain, err := s.vault.Decrypt(row.Value)
		if err != nil {
			return nil, fmt.Errorf("decrypt secret %s: %w", row.KeyName, err)
		}
		out[row.KeyName] = plain
	}

	s.secretsMu.Lock()
	s.secrets = out
	s.secretsAt = time.Now()
	s.secretsMu.Unlock()

	cached := make(map[string]string, len(out))
	for k, v := range out {
		cached[k] = v
	}
	return cached, nil
}

// ————————————————————————————————————————————————————————————————————————
// Config
// ————————————————————————————————————————————————————————————————————————

// LoadConfigRow returns the tenant's raw key→value config map.
// Implements config.TenantRowLoader.
func (s *Store) LoadConfigRow(userID string) (map[string]any, error) {
	var row ConfigRow
	err := s.db.Where("user_id = ?", userID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	values := map[string]any{}
	if len(row.Values) > 0 {
		if err := json.Unmarshal(row.Values, &values); err != nil {
			return nil, fmt.Errorf("parse config values: %w", err)
		}
	}
	return values, nil
}

// SetConfig writes one key back into the tenant's config row.
func (s *Store) SetConfig(key string, value any) error {
	values, err := s.LoadConfigRow(s.userID)
	if err != nil {
		return err
	}
	values[key] = value

	raw, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal config values: %w", err)
	}
	row := ConfigRow{UserID: s.userID, Values: datatypes.JSON(raw), UpdatedAt: time.Now().UTC()}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Status, registry, audit
// ————————————————————————————————————————————————————————————————————————

// UpdateBotStatus upserts the tenant's status row.
func (s *Store) UpdateBotStatus(running bool, mode types.Mode) error {
	now := time.Now().UTC()
	row := StatusRow{
		UserID:        s.userID,
		IsRunning:     running,
		Mode:          string(mode),
		LastHeartbeat: now,
		UpdatedAt:     now,
	}
	if running {
		row.StartedAt = now
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_running", "mode", "last_heartbeat", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("update bot status: %w", err)
	}
	return nil
}

// GetBotStatus returns the tenant's status row, ok=false when absent.
func (s *Store) GetBotStatus() (StatusRow, bool, error) {
	var row StatusRow
	err := s.db.Where("user_id = ?", s.userID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return StatusRow{}, false, nil
	}
	if err != nil {
		return StatusRow{}, false, fmt.Errorf("get bot status: %w", err)
	}
	return row, true, nil
}

// Heartbeat stamps the tenant's liveness timestamp.
func (s *Store) Heartbeat() error {
	err := s.db.Model(&StatusRow{}).Where("user_id = ?", s.userID).
		Update("last_heartbeat", time.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// ActiveTenants returns the user ids with is_running=true. Supervisor only.
func (s *Store) ActiveTenants() ([]string, error) {
	var ids []string
	err := s.db.Model(&StatusRow{}).Where("is_running = ?", true).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("active tenants: %w", err)
	}
	return ids, nil
}

// Audit appends an audit record. Failures are logged, never raised: audit
// must not fail the primary action.
func (s *Store) Audit(action string, details map[string]any) {
	raw, err := json.Marshal(details)
	if err != nil {
		raw = []byte("{}")
	}
	row := AuditRow{
		UserID:    s.userID,
		Action:    action,
		Details:   datatypes.JSON(raw),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		s.logger.Warn("audit write failed", "action", action, "error", err)
	}
}

// LogMarketScan records one scanner evaluation, qualifying or not.
func (s *Store) LogMarketScan(row MarketScanRow) {
	row.UserID = s.userID
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Create(&row).Error; err != nil {
		s.logger.Debug("market scan write failed", "error", err)
	}
}

// WriteBotLogs inserts a batch of log rows. Used by the log sink.
func (s *Store) WriteBotLogs(rows []BotLogRow) error {
	if len(rows) == 0 {
		return nil
	}
	for i := range rows {
		if rows[i].UserID == "" {
			rows[i].UserID = s.userID
		}
	}
	if err := s.db.Create(&rows).Error; err != nil {
		return fmt.Errorf("write bot logs: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Copy trading, funding, grids, pairs, balances
// ————————————————————————————————————————————————————————————————————————

// UpsertWhale upserts a tracked whale profile keyed by (address, user_id).
func (s *Store) UpsertWhale(row TrackedWhaleRow) error {
	row.UserID = s.userID
	row.UpdatedAt = time.Now().UTC()
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}, {Name: "user_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert whale: %w", err)
	}
	return nil
}

// TrackedWhales returns the tenant's whale registry.
func (s *Store) TrackedWhales() ([]TrackedWhaleRow, error) {
	var rows []TrackedWhaleRow
	if err := s.db.Where("user_id = ?", s.userID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("tracked whales: %w", err)
	}
	return rows, nil
}

// LogWhalePerformance appends a tier-change snapshot for a whale.
func (s *Store) LogWhalePerformance(row WhalePerformanceRow) error {
	row.UserID = s.userID
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("log whale performance: %w", err)
	}
	return nil
}

// LogWhaleTrade records a detected whale trade.
func (s *Store) LogWhaleTrade(row WhaleTradeRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.UserID = s.userID
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("log whale trade: %w", err)
	}
	return nil
}

// LogCopyTrade records a copy trade with whale provenance.
func (s *Store) LogCopyTrade(row CopyTradeRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.UserID = s.userID
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("log copy trade: %w", err)
	}
	return nil
}

// LogFundingOpportunity records a funding-rate decision.
func (s *Store) LogFundingOpportunity(row FundingOpportunityRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.UserID = s.userID
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("log funding opportunity: %w", err)
	}
	return nil
}

// SaveGrid upserts a grid session row.
func (s *Store) SaveGrid(row GridRow) error {
	row.UserID = s.userID
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save grid: %w", err)
	}
	return nil
}

// SavePairsTrade upserts a pairs round-trip row.
func (s *Store) SavePairsTrade(row PairsTradeRow) error {
	row.UserID = s.userID
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save pairs trade: %w", err)
	}
	return nil
}

// MarketPairs returns the tenant's active cross-venue market pairs.
func (s *Store) MarketPairs() ([]MarketPairRow, error) {
	var rows []MarketPairRow
	q := s.db.Where("active = ?", true)
	if s.userID != "" {
		q = q.Where("user_id = ?", s.userID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("market pairs: %w", err)
	}
	return rows, nil
}

// LogBalance records one balance-poller observation.
func (s *Store) LogBalance(venue types.Venue, totalUSD float64) error {
	row := BalanceRow{
		UserID:    s.userID,
		Venue:     string(venue),
		TotalUSD:  totalUSD,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("log balance: %w", err)
	}
	return nil
}
