package secrets

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// argon2id parameters for deriving the store key from the passphrase.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	saltLen    = 16
)

// ErrPassphrase is returned when the passphrase does not open existing
// secrets.
var ErrPassphrase = errors.New("secret store passphrase does not match")

// sealedSecret is one encrypted secret row.
type sealedSecret struct {
	Ref        string `gorm:"type:varchar(128);primaryKey"`
	Nonce      []byte `gorm:"not null"`
	Ciphertext []byte `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (sealedSecret) TableName() string { return "sealed_secrets" }

// storeMeta holds the KDF salt and a sealed check value so a wrong
// passphrase is detected on open instead of on first Get.
type storeMeta struct {
	ID    int    `gorm:"primaryKey;autoIncrement:false"`
	Salt  []byte `gorm:"not null"`
	Nonce []byte `gorm:"not null"`
	Check []byte `gorm:"not null"`
}

func (storeMeta) TableName() string { return "sealed_secrets_meta" }

var checkPlaintext = []byte("slim-chat secret store")

// sealer encrypts values with XChaCha20-Poly1305 under a key derived with
// argon2id. The ref is bound as associated data so rows cannot be swapped.
type sealer struct {
	key []byte
}

func newSealer(passphrase string, salt []byte) *sealer {
	return &sealer{key: argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, chacha20poly1305.KeySize)}
}

func (s *sealer) seal(plaintext []byte, ad string) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, []byte(ad)), nil
}

func (s *sealer) open(nonce, ciphertext []byte, ad string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("bad nonce length %d", len(nonce))
	}
	return aead.Open(nil, nonce, ciphertext, []byte(ad))
}

// Encrypted keeps secrets in the relational store, encrypted at rest with a
// key derived from a passphrase.
type Encrypted struct {
	DB *gorm.DB

	s *sealer
}

// NewEncrypted migrates its tables and opens the store. The first open
// generates the salt; later opens must present the same passphrase.
func NewEncrypted(ctx context.Context, db *gorm.DB, passphrase string) (*Encrypted, error) {
	if passphrase == "" {
		return nil, errors.New("encrypted secret store requires a passphrase")
	}
	if err := db.WithContext(ctx).AutoMigrate(&storeMeta{}, &sealedSecret{}); err != nil {
		return nil, err
	}

	var meta storeMeta
	err := db.WithContext(ctx).First(&meta, "id = ?", 1).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		salt := make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		s := newSealer(passphrase, salt)
		nonce, check, err := s.seal(checkPlaintext, "meta")
		if err != nil {
			return nil, err
		}
		meta = storeMeta{ID: 1, Salt: salt, Nonce: nonce, Check: check}
		if err := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&meta).Error; err != nil {
			return nil, err
		}
		// Another process may have won the insert.
		if err := db.WithContext(ctx).First(&meta, "id = ?", 1).Error; err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	s := newSealer(passphrase, meta.Salt)
	if _, err := s.open(meta.Nonce, meta.Check, "meta"); err != nil {
		return nil, ErrPassphrase
	}
	return &Encrypted{DB: db, s: s}, nil
}

func (e *Encrypted) Get(ctx context.Context, ref string) (string, error) {
	var row sealedSecret
	if err := e.DB.WithContext(ctx).First(&row, "ref = ?", ref).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	pt, err := e.s.open(row.Nonce, row.Ciphertext, ref)
	if err != nil {
		return "", fmt.Errorf("open secret %s: %w", ref, err)
	}
	return string(pt), nil
}

func (e *Encrypted) Save(ctx context.Context, secret, ref string) (string, error) {
	ref = newRef(ref)
	nonce, ct, err := e.s.seal([]byte(secret), ref)
	if err != nil {
		return "", err
	}
	row := sealedSecret{Ref: ref, Nonce: nonce, Ciphertext: ct}
	err = e.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ref"}},
		DoUpdates: clause.AssignmentColumns([]string{"nonce", "ciphertext", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return "", err
	}
	return ref, nil
}

func (e *Encrypted) Delete(ctx context.Context, ref string) error {
	return e.DB.WithContext(ctx).Where("ref = ?", ref).Delete(&sealedSecret{}).Error
}

func (e *Encrypted) List(ctx context.Context) ([]string, error) {
	var refs []string
	err := e.DB.WithContext(ctx).Model(&sealedSecret{}).Order("ref ASC").Pluck("ref", &refs).Error
	return refs, err
}
