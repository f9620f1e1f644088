// Package iface exists to prevent circular dependencies when implementing the
// database interface.
package iface

import (
	"context"
	"io"
	"time"

	"github.com/forgenet/forge/validator/allowance"
	"github.com/forgenet/forge/validator/chain"
	"github.com/forgenet/forge/validator/db/kv"
	"github.com/forgenet/forge/validator/receipts"
)

// Database defines the full persistence surface of the forge validator.
// Components depend on the narrow subset they use; node wiring passes the
// same concrete store everywhere.
type Database interface {
	io.Closer
	DatabasePath() string
	ClearDB() error
	Backup(ctx context.Context, outputDir string, permissionOverride bool) error

	// Miners.
	SaveMiner(ctx context.Context, m *kv.Miner) error
	Miner(ctx context.Context, hotkey string) (*kv.Miner, error)
	Miners(ctx context.Context) ([]*kv.Miner, error)
	SaveManifest(ctx context.Context, m *kv.MinerManifest) error
	Manifest(ctx context.Context, hotkey, executorClass string) (*kv.MinerManifest, error)
	ManifestsForClass(ctx context.Context, executorClass string) ([]*kv.MinerManifest, error)
	SaveBlacklist(ctx context.Context, b *kv.MinerBlacklist) error
	Blacklisted(ctx context.Context, hotkey string, at time.Time) (bool, error)
	PruneBlacklist(ctx context.Context, before time.Time) (int, error)

	// Organic jobs.
	SaveOrganicJob(ctx context.Context, j *kv.OrganicJob) error
	OrganicJob(ctx context.Context, uuid string) (*kv.OrganicJob, error)
	OrganicJobs(ctx context.Context) ([]*kv.OrganicJob, error)

	// Receipts.
	SaveReceipts(ctx context.Context, page receipts.PageID, rs []*receipts.Receipt) (int, error)
	Receipt(ctx context.Context, jobUUID string, kind receipts.PayloadKind) (*receipts.Receipt, error)
	MinerReceipts(ctx context.Context, minerHotkey string, kind receipts.PayloadKind) ([]*receipts.Receipt, error)
	ActiveStartedJobs(ctx context.Context, minerHotkey, executorClass string, at time.Time) ([]string, error)
	ReceiptsOnPage(ctx context.Context, page receipts.PageID) ([]*receipts.Receipt, error)
	TransferCheckpoint(ctx context.Context, minerHotkey string, page receipts.PageID) (int64, error)
	SaveTransferCheckpoint(ctx context.Context, minerHotkey string, page receipts.PageID, offset int64) error

	// Allowance.
	SaveCells(ctx context.Context, cells []*allowance.Cell) error
	CellsInWindow(ctx context.Context, minerHotkey, executorClass string, fromBlock, toBlock int64) ([]*allowance.Cell, error)
	UpdateCells(ctx context.Context, cells []*allowance.Cell) error
	HighestCellBlock(ctx context.Context) (int64, error)
	LowestCellBlock(ctx context.Context) (int64, error)
	EvictCellsBefore(ctx context.Context, block int64) (int, error)
	NextReservationID(ctx context.Context) (uint64, error)
	SaveReservation(ctx context.Context, r *allowance.Reservation) error
	Reservation(ctx context.Context, id uint64) (*allowance.Reservation, error)
	Reservations(ctx context.Context) ([]*allowance.Reservation, error)
	DeleteReservation(ctx context.Context, id uint64) error

	// Audit.
	SaveSystemEvent(ctx context.Context, ev *kv.SystemEvent) error
	SystemEvents(ctx context.Context, eventType string, limit int) ([]*kv.SystemEvent, error)

	// Metagraph.
	SaveMetagraphSnapshot(ctx context.Context, snap *chain.MetagraphSnapshot) error
	MetagraphSnapshot(ctx context.Context, block int64) (*chain.MetagraphSnapshot, error)
	SaveCycle(ctx context.Context, c *kv.Cycle) error
	CycleContaining(ctx context.Context, block int64) (*kv.Cycle, error)
	SaveBatch(ctx context.Context, b *kv.SyntheticJobBatch) error
	LatestBatch(ctx context.Context) (*kv.SyntheticJobBatch, error)
}
