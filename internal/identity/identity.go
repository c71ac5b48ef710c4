package identity

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netseer/netseer/api/schemas"
)

// Registrar is the subset of the store a mapper needs to materialize asset
// records for newly observed endpoints. Edges carry foreign keys to assets, so
// a record must exist before the first edge referencing it is created.
type Registrar interface {
	UpsertAsset(ctx context.Context, asset schemas.Asset) error
}

// StaticMapper resolves IPs to asset IDs from an in-process table, creating a
// stable ID on first sight. Resolution is idempotent: the same IP always maps
// to the same ID for the lifetime of the mapper. Suited to the memory backend
// and to ingest runs where no external inventory system is available.
type StaticMapper struct {
	mu        sync.Mutex
	byIP      map[string]string
	registrar Registrar
	now       func() time.Time
}

var _ schemas.AssetMapper = (*StaticMapper)(nil)

// NewStaticMapper creates an empty mapper. The registrar may be nil, in which
// case resolved assets are tracked only inside the mapper.
func NewStaticMapper(registrar Registrar) *StaticMapper {
	return &StaticMapper{
		byIP:      make(map[string]string),
		registrar: registrar,
		now:       time.Now,
	}
}

// Seed pre-binds an IP to a known asset ID, registering the asset record.
// Used to load an existing inventory before ingestion.
func (m *StaticMapper) Seed(ctx context.Context, asset schemas.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byIP[asset.IPAddress] = asset.ID
	if m.registrar != nil {
		return m.registrar.UpsertAsset(ctx, asset)
	}
	return nil
}

// Resolve maps an IP to its asset ID, minting a new asset on first sight.
// Unparseable addresses are an error, which the builder reports as an
// unmapped-endpoint skip.
func (m *StaticMapper) Resolve(ctx context.Context, ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("unresolvable address %q", ip)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byIP[ip]; ok {
		return id, nil
	}

	now := m.now().UTC()
	asset := schemas.Asset{
		ID:         uuid.NewString(),
		Name:       ip,
		IPAddress:  ip,
		IsInternal: isPrivate(parsed),
		FirstSeen:  now,
		LastSeen:   now,
	}
	if m.registrar != nil {
		if err := m.registrar.UpsertAsset(ctx, asset); err != nil {
			return "", fmt.Errorf("failed to register asset for %q: %w", ip, err)
		}
	}
	m.byIP[ip] = asset.ID
	return asset.ID, nil
}

// isPrivate treats RFC 1918/4193, loopback, and link-local addresses as
// internal; everything else is external and subject to the builder's filters.
func isPrivate(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

const (
	protoTCP = 6
	protoUDP = 17
)

type portProto struct {
	port  uint16
	proto uint8
}

// WellKnownPortResolver labels edges with the service conventionally bound to
// the target port. Misses are not errors; the edge simply carries no type.
type WellKnownPortResolver struct {
	table map[portProto]schemas.ServiceLabel
}

var _ schemas.ProtocolResolver = (*WellKnownPortResolver)(nil)

// NewWellKnownPortResolver builds the default service table.
func NewWellKnownPortResolver() *WellKnownPortResolver {
	return &WellKnownPortResolver{table: map[portProto]schemas.ServiceLabel{
		{22, protoTCP}:    {Category: "management", Name: "ssh"},
		{25, protoTCP}:    {Category: "mail", Name: "smtp"},
		{53, protoTCP}:    {Category: "infrastructure", Name: "dns"},
		{53, protoUDP}:    {Category: "infrastructure", Name: "dns"},
		{80, protoTCP}:    {Category: "web", Name: "http"},
		{123, protoUDP}:   {Category: "infrastructure", Name: "ntp"},
		{389, protoTCP}:   {Category: "directory", Name: "ldap"},
		{443, protoTCP}:   {Category: "web", Name: "https"},
		{445, protoTCP}:   {Category: "storage", Name: "smb"},
		{636, protoTCP}:   {Category: "directory", Name: "ldaps"},
		{1433, protoTCP}:  {Category: "database", Name: "mssql"},
		{3306, protoTCP}:  {Category: "database", Name: "mysql"},
		{5432, protoTCP}:  {Category: "database", Name: "postgresql"},
		{6379, protoTCP}:  {Category: "cache", Name: "redis"},
		{8080, protoTCP}:  {Category: "web", Name: "http-alt"},
		{9092, protoTCP}:  {Category: "messaging", Name: "kafka"},
		{11211, protoTCP}: {Category: "cache", Name: "memcached"},
		{27017, protoTCP}: {Category: "database", Name: "mongodb"},
	}}
}

// Resolve looks up the service label for a (port, protocol) pair.
func (r *WellKnownPortResolver) Resolve(port uint16, protocol uint8) (schemas.ServiceLabel, bool) {
	label, ok := r.table[portProto{port, protocol}]
	return label, ok
}
