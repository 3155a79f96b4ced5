package haul

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/haul-tracker/internal/extract"
	"github.com/zombor/haul-tracker/internal/pricing"
	"github.com/zombor/haul-tracker/internal/rates"
	"github.com/zombor/haul-tracker/internal/scanning"
)

// IDGenerator generates unique IDs for records and line items
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// uuidGenerator generates random UUIDs
type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Deps groups the collaborators of a Service
type Deps struct {
	DB          DB
	Transcriber scanning.Transcriber
	Storage     Storage
	Rates       rates.Fetcher
	Engine      *pricing.Engine
	Parser      *extract.Parser
	IDGenerator IDGenerator
	TimeSource  TimeSource
}

// Service handles haul, user and scan operations
type Service struct {
	db          DB
	transcriber scanning.Transcriber
	storage     Storage
	rates       rates.Fetcher
	engine      *pricing.Engine
	parser      *extract.Parser
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service, filling unset optional dependencies with defaults
func NewService(deps Deps) *Service {
	s := &Service{
		db:          deps.DB,
		transcriber: deps.Transcriber,
		storage:     deps.Storage,
		rates:       deps.Rates,
		engine:      deps.Engine,
		parser:      deps.Parser,
		idGenerator: deps.IDGenerator,
		timeSource:  deps.TimeSource,
	}
	if s.engine == nil {
		s.engine = pricing.NewEngine(pricing.DefaultConfig())
	}
	if s.parser == nil {
		s.parser = extract.New()
	}
	if s.idGenerator == nil {
		s.idGenerator = &uuidGenerator{}
	}
	if s.timeSource == nil {
		s.timeSource = &defaultTimeSource{}
	}
	return s
}

// Register creates a new user
func (s *Service) Register(reg Registration) (*User, error) {
	reg = reg.normalize()
	if err := reg.validate(); err != nil {
		return nil, err
	}

	hash, err := hashPassword(reg.Password)
	if err != nil {
		return nil, err
	}

	user := &User{
		ID:           s.idGenerator.Generate(),
		Username:     reg.Username,
		Name:         reg.Name,
		PasswordHash: hash,
		CreatedAt:    s.timeSource.Now(),
	}
	if err := s.db.CreateUser(user); err != nil {
		if errors.Is(err, ErrUserExists) {
			return nil, err
		}
		return nil, fmt.Errorf("saving user: %w", err)
	}
	return user, nil
}

// Authenticate checks a username/password pair
func (s *Service) Authenticate(username, password string) (*User, error) {
	user, err := s.db.GetUserByUsername(strings.ToLower(strings.TrimSpace(username)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("getting user: %w", err)
	}
	if !checkPassword(user.PasswordHash, strings.TrimSpace(password)) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// HaulInput holds the client-editable fields of a haul
type HaulInput struct {
	Name         string                `json:"name"`
	Items        []pricing.LineItem    `json:"items"`
	Rates        pricing.ExchangeRates `json:"rates"`
	ShippingUSD  float64               `json:"shipping_usd"`
	UseExemption *bool                 `json:"use_exemption,omitempty"` // defaults to true
}

func (in HaulInput) validate() error {
	switch {
	case strings.TrimSpace(in.Name) == "":
		return fmt.Errorf("%w: haul name is required", ErrInvalid)
	case len(in.Items) == 0:
		return fmt.Errorf("%w: at least one item is required", ErrInvalid)
	case in.ShippingUSD < 0:
		return fmt.Errorf("%w: shipping cannot be negative", ErrInvalid)
	}
	return nil
}

// apply copies the input onto haul, re-deriving every item price
func (s *Service) apply(haul *Haul, in HaulInput) {
	haul.Name = strings.TrimSpace(in.Name)
	haul.Rates = in.Rates
	haul.ShippingUSD = in.ShippingUSD
	haul.UseExemption = in.UseExemption == nil || *in.UseExemption
	haul.Items = s.engine.DeriveAll(in.Items, in.Rates)

	seen := make(map[string]bool, len(haul.Items))
	for i := range haul.Items {
		if haul.Items[i].ID == "" || seen[haul.Items[i].ID] {
			haul.Items[i].ID = s.idGenerator.Generate()
		}
		seen[haul.Items[i].ID] = true
	}
}

// CreateHaul saves a new haul for ownerID
func (s *Service) CreateHaul(ownerID string, in HaulInput) (*Haul, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := s.timeSource.Now()
	haul := &Haul{
		ID:        s.idGenerator.Generate(),
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.apply(haul, in)

	if err := s.db.SaveHaul(haul); err != nil {
		return nil, fmt.Errorf("saving haul: %w", err)
	}
	return haul, nil
}

// GetHaul retrieves one of ownerID's hauls
func (s *Service) GetHaul(ownerID, id string) (*Haul, error) {
	haul, err := s.db.GetHaul(ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("getting haul: %w", err)
	}
	return haul, nil
}

// ListHauls returns ownerID's hauls, newest first
func (s *Service) ListHauls(ownerID string) ([]*Haul, error) {
	hauls, err := s.db.ListHauls(ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing hauls: %w", err)
	}
	return hauls, nil
}

// UpdateHaul replaces the editable fields of one of ownerID's hauls
func (s *Service) UpdateHaul(ownerID, id string, in HaulInput) (*Haul, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	haul, err := s.db.GetHaul(ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("getting haul for update: %w", err)
	}

	s.apply(haul, in)
	haul.UpdatedAt = s.timeSource.Now()

	if err := s.db.SaveHaul(haul); err != nil {
		return nil, fmt.Errorf("saving haul: %w", err)
	}
	return haul, nil
}

// DeleteHaul removes one of ownerID's hauls
func (s *Service) DeleteHaul(ownerID, id string) error {
	if err := s.db.DeleteHaul(ownerID, id); err != nil {
		return fmt.Errorf("deleting haul: %w", err)
	}
	return nil
}

// HaulTotals prices a stored haul with the snapshot it was saved with
func (s *Service) HaulTotals(ownerID, id string) (pricing.Totals, error) {
	haul, err := s.GetHaul(ownerID, id)
	if err != nil {
		return pricing.Totals{}, err
	}
	return s.engine.ComputeTotals(haul.Items, haul.ShippingUSD, haul.UseExemption, haul.Rates), nil
}

// Quote holds an unsaved calculation
type Quote struct {
	Items        []pricing.LineItem    `json:"items"`
	Rates        pricing.ExchangeRates `json:"rates"`
	ShippingUSD  float64               `json:"shipping_usd"`
	UseExemption bool                  `json:"use_exemption"`
}

// Totals re-derives the quote's items and prices them
func (s *Service) Totals(q Quote) ([]pricing.LineItem, pricing.Totals) {
	items := s.engine.DeriveAll(q.Items, q.Rates)
	return items, s.engine.ComputeTotals(items, q.ShippingUSD, q.UseExemption, q.Rates)
}

// ExchangeRates fetches a live snapshot
func (s *Service) ExchangeRates(ctx context.Context) (pricing.ExchangeRates, error) {
	if s.rates == nil {
		return pricing.ExchangeRates{}, rates.ErrUnavailable
	}
	snapshot, err := s.rates.Fetch(ctx)
	if err != nil {
		return pricing.ExchangeRates{}, fmt.Errorf("fetching exchange rates: %w", err)
	}
	return snapshot, nil
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up phone-generated file names
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if unsafeFilenameChars.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	base = strings.TrimSpace(unsafeFilenameChars.ReplaceAllString(base, ""))
	base = repeatedSpaces.ReplaceAllString(base, "-")

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "screenshot"
	}
	return base + ext
}

// ProcessScan stores an order screenshot, transcribes it and extracts line
// items priced at the current exchange rates. Finding nothing is not an
// error: the scan is saved and no items are returned.
func (s *Service) ProcessScan(ctx context.Context, ownerID, filename string, data []byte, contentType string) (*Scan, []pricing.LineItem, error) {
	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	savedName, err := s.storage.Save(fmt.Sprintf("%s_%s", id, sanitizeFilename(filename)), data)
	if err != nil {
		return nil, nil, fmt.Errorf("saving file: %w", err)
	}

	transcript, err := s.transcriber.Transcribe(ctx, data, contentType)
	if err != nil && !errors.Is(err, scanning.ErrNoText) {
		slog.Error("Failed to transcribe screenshot",
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		if delErr := s.storage.Delete(savedName); delErr != nil {
			slog.Warn("Failed to delete file", "filename", savedName, "error", delErr)
		}
		return nil, nil, fmt.Errorf("%w: %w", ErrScanFailed, err)
	}

	products := s.parser.Products(transcript)

	snapshot, err := s.ExchangeRates(ctx)
	if err != nil {
		// USD prices do not depend on the snapshot; local prices are derived
		// again when the haul is saved.
		slog.Warn("Pricing scanned items without exchange rates", "error", err)
	}

	items := make([]pricing.LineItem, 0, len(products))
	for _, p := range products {
		items = append(items, s.engine.Derive(pricing.LineItem{
			ID:          s.idGenerator.Generate(),
			Quantity:    p.Quantity,
			Name:        p.Name,
			WeightGrams: p.WeightGrams,
			UnitPrice:   p.Price,
			UnitFreight: p.Freight,
		}, snapshot))
	}

	scan := &Scan{
		ID:           id,
		OwnerID:      ownerID,
		Filename:     savedName,
		ContentType:  contentType,
		Transcript:   transcript,
		ProductCount: len(items),
		CreatedAt:    now,
	}
	if err := s.db.SaveScan(scan); err != nil {
		if delErr := s.storage.Delete(savedName); delErr != nil {
			slog.Warn("Failed to delete file", "filename", savedName, "error", delErr)
		}
		return nil, nil, fmt.Errorf("saving scan to database: %w", err)
	}

	return scan, items, nil
}

// GetScan retrieves one of ownerID's scans
func (s *Service) GetScan(ownerID, id string) (*Scan, error) {
	scan, err := s.db.GetScan(ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("getting scan: %w", err)
	}
	return scan, nil
}

// GetScanFile retrieves the stored screenshot of one of ownerID's scans
func (s *Service) GetScanFile(ownerID, id string) ([]byte, string, error) {
	scan, err := s.GetScan(ownerID, id)
	if err != nil {
		return nil, "", err
	}

	data, err := s.storage.Get(scan.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting scan file: %w", err)
	}
	return data, scan.ContentType, nil
}
