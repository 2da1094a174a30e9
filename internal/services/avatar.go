package services

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"os"
	"strings"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/google/uuid"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"gorm.io/gorm"

	"github.com/courseloom/courseloom-backend/internal/data/repos"
	"github.com/courseloom/courseloom-backend/internal/domain"
	"github.com/courseloom/courseloom-backend/internal/pkg/logger"
	"github.com/courseloom/courseloom-backend/internal/platform/media"
	"github.com/courseloom/courseloom-backend/internal/utils"
)

// defaultAvatarColors is the background palette. A user's color is derived
// from their email so regenerating the avatar keeps the same background.
var defaultAvatarColors = []color.NRGBA{
	{R: 0x2E, G: 0x7D, B: 0x6F, A: 0xFF},
	{R: 0x4A, G: 0x5A, B: 0xB5, A: 0xFF},
	{R: 0xB5, G: 0x4A, B: 0x6E, A: 0xFF},
	{R: 0x9A, G: 0x6A, B: 0x2E, A: 0xFF},
	{R: 0x5E, G: 0x49, B: 0x8A, A: 0xFF},
	{R: 0x2E, G: 0x6E, B: 0x9A, A: 0xFF},
	{R: 0x7A, G: 0x8A, B: 0x2E, A: 0xFF},
	{R: 0x8A, G: 0x3A, B: 0x3A, A: 0xFF},
}

type AvatarService interface {
	GenerateInitialsAvatar(ctx context.Context, user *domain.User) error
	SetAvatarFromImage(ctx context.Context, tx *gorm.DB, user *domain.User, raw []byte) error
	// PersonaAvatarPNG renders the coach persona's avatar. The output is
	// deterministic per name so clients can cache it indefinitely.
	PersonaAvatarPNG(name string) (bytes.Buffer, error)
}

type avatarService struct {
	db       *gorm.DB
	log      *logger.Logger
	userRepo repos.UserRepo
	store    media.Store
	fontFace font.Face
}

func NewAvatarService(db *gorm.DB, baseLog *logger.Logger, userRepo repos.UserRepo, store media.Store) (AvatarService, error) {
	log := baseLog.With("service", "AvatarService")

	face, err := loadAvatarFont(utils.GetEnv("AVATAR_FONT", "", log), 206)
	if err != nil {
		return nil, fmt.Errorf("could not load avatar font: %w", err)
	}

	return &avatarService{
		db:       db,
		log:      log,
		userRepo: userRepo,
		store:    store,
		fontFace: face,
	}, nil
}

// GenerateInitialsAvatar renders an initials avatar, stores it under a
// versioned key and persists the key on the user row.
func (as *avatarService) GenerateInitialsAvatar(ctx context.Context, user *domain.User) error {
	if user == nil || user.ID == uuid.Nil {
		return fmt.Errorf("user required")
	}
	as.ensureAvatarColor(user)

	buf, err := as.renderInitials(user)
	if err != nil {
		return err
	}
	return as.storeAvatar(ctx, nil, user, buf)
}

// SetAvatarFromImage replaces the user's avatar with an uploaded image,
// center-cropped, resized and clipped to a circle.
func (as *avatarService) SetAvatarFromImage(ctx context.Context, tx *gorm.DB, user *domain.User, raw []byte) error {
	if user == nil || user.ID == uuid.Nil {
		return fmt.Errorf("user required")
	}

	processed, err := processUploadedAvatar(raw, 512)
	if err != nil {
		return err
	}
	return as.storeAvatar(ctx, tx, user, processed)
}

func (as *avatarService) storeAvatar(ctx context.Context, tx *gorm.DB, user *domain.User, buf bytes.Buffer) error {
	oldKey := strings.TrimSpace(user.AvatarKey)

	// Versioned key so browsers never serve a stale cached avatar.
	newKey := fmt.Sprintf("user_avatar/%s/%d.png", user.ID.String(), time.Now().UnixNano())

	if err := as.store.Save(newKey, bytes.NewReader(buf.Bytes())); err != nil {
		return fmt.Errorf("failed to store user avatar: %w", err)
	}

	user.AvatarKey = newKey
	if err := as.userRepo.Update(ctx, tx, user); err != nil {
		return fmt.Errorf("failed to persist avatar key: %w", err)
	}

	// Best-effort delete of the previous object, after the new one exists.
	if oldKey != "" && oldKey != newKey {
		if err := as.store.Delete(oldKey); err != nil {
			as.log.Warn("failed to delete old avatar (ignored)", "old_key", oldKey, "error", err)
		}
	}
	return nil
}

func (as *avatarService) renderInitials(user *domain.User) (bytes.Buffer, error) {
	const size = 512

	dc := gg.NewContext(size, size)

	dc.DrawCircle(float64(size)/2, float64(size)/2, float64(size)/2)
	dc.Clip()

	dc.SetColor(as.pickColor(user.AvatarColor))
	dc.DrawRectangle(0, 0, float64(size), float64(size))
	dc.Fill()

	initials := computeInitials(user.FirstName, user.LastName)

	dc.SetFontFace(as.fontFace)
	tw, th := dc.MeasureString(initials)
	cx, cy := float64(size)/2, float64(size)/2

	dc.SetColor(color.White)
	dc.DrawString(initials, cx-(tw/2)+5, cy+(th/2)-10)

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return buf, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf, nil
}

func (as *avatarService) PersonaAvatarPNG(name string) (bytes.Buffer, error) {
	const size = 512

	name = strings.TrimSpace(name)
	if name == "" {
		name = "Coach"
	}

	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(name)))
	bg := defaultAvatarColors[h.Sum32()%uint32(len(defaultAvatarColors))]

	dc := gg.NewContext(size, size)
	dc.DrawCircle(float64(size)/2, float64(size)/2, float64(size)/2)
	dc.Clip()
	dc.SetColor(bg)
	dc.DrawRectangle(0, 0, float64(size), float64(size))
	dc.Fill()

	initials := personaInitials(name)
	dc.SetFontFace(as.fontFace)
	tw, th := dc.MeasureString(initials)
	cx, cy := float64(size)/2, float64(size)/2
	dc.SetColor(color.White)
	dc.DrawString(initials, cx-(tw/2)+5, cy+(th/2)-10)

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return buf, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf, nil
}

// personaInitials takes the first letter of up to two name words, so "Ada"
// renders as "A" and "Ada Lovelace" as "AL".
func personaInitials(name string) string {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "?"
	case 1:
		return strings.ToUpper(parts[0][:1])
	default:
		return strings.ToUpper(parts[0][:1]) + strings.ToUpper(parts[len(parts)-1][:1])
	}
}

func processUploadedAvatar(raw []byte, size int) (bytes.Buffer, error) {
	var out bytes.Buffer

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return out, fmt.Errorf("decode image: %w", err)
	}

	// Center-crop to square.
	b := img.Bounds()
	w := b.Dx()
	h := b.Dy()
	side := w
	if h < w {
		side = h
	}
	x0 := b.Min.X + (w-side)/2
	y0 := b.Min.Y + (h-side)/2

	cropRect := image.Rect(0, 0, side, side)
	cropped := image.NewRGBA(cropRect)
	draw.Draw(cropped, cropRect, img, image.Point{X: x0, Y: y0}, draw.Src)

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), cropped, cropped.Bounds(), draw.Over, nil)

	dc := gg.NewContext(size, size)
	dc.DrawCircle(float64(size)/2, float64(size)/2, float64(size)/2)
	dc.Clip()
	dc.DrawImage(dst, 0, 0)

	if err := dc.EncodePNG(&out); err != nil {
		return out, fmt.Errorf("encode png: %w", err)
	}
	return out, nil
}

func (as *avatarService) ensureAvatarColor(user *domain.User) {
	if c, ok := parseHexColor(user.AvatarColor); ok {
		user.AvatarColor = nrgbaToHex(c)
		return
	}
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(user.Email)))
	pick := defaultAvatarColors[h.Sum32()%uint32(len(defaultAvatarColors))]
	user.AvatarColor = nrgbaToHex(pick)
}

func (as *avatarService) pickColor(hexStr string) color.NRGBA {
	if c, ok := parseHexColor(hexStr); ok {
		return c
	}
	return defaultAvatarColors[0]
}

func parseHexColor(s string) (color.NRGBA, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return color.NRGBA{}, false
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 3 {
		return color.NRGBA{}, false
	}
	return color.NRGBA{R: raw[0], G: raw[1], B: raw[2], A: 0xFF}, true
}

func nrgbaToHex(c color.NRGBA) string {
	return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
}

func computeInitials(first, last string) string {
	fInit := "?"
	if len(first) > 0 {
		fInit = strings.ToUpper(first[:1])
	}
	lInit := "?"
	if len(last) > 0 {
		lInit = strings.ToUpper(last[:1])
	}
	return fInit + lInit
}

// loadAvatarFont parses a TTF from disk when configured and falls back to
// the bundled Go bold face otherwise.
func loadAvatarFont(fontPath string, size float64) (font.Face, error) {
	fontBytes := gobold.TTF
	if strings.TrimSpace(fontPath) != "" {
		data, err := os.ReadFile(fontPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read font file: %w", err)
		}
		fontBytes = data
	}
	parsedFont, err := truetype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TTF: %w", err)
	}
	return truetype.NewFace(parsedFont, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	}), nil
}
