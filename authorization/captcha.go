package authorization

import (
	"strings"
	"sync"
	"time"

	"github.com/mojocn/base64Captcha"
)

// CaptchaChallenge is an issued digit captcha image.
type CaptchaChallenge struct {
	ID          string
	ImageBase64 string
	ExpiresAt   time.Time
}

// CaptchaStore issues and verifies one-shot captchas for the admin login.
type CaptchaStore struct {
	mu     sync.Mutex
	driver *base64Captcha.DriverDigit
	store  base64Captcha.Store
	ttl    time.Duration
}

func NewCaptchaStore(ttl time.Duration) *CaptchaStore {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &CaptchaStore{
		driver: base64Captcha.NewDriverDigit(60, 160, 5, 0.7, 80),
		store:  base64Captcha.NewMemoryStore(1024, ttl),
		ttl:    ttl,
	}
}

func (s *CaptchaStore) Issue() (CaptchaChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, image, _, err := base64Captcha.NewCaptcha(s.driver, s.store).Generate()
	if err != nil {
		return CaptchaChallenge{}, err
	}
	image = strings.TrimSpace(image)
	if image != "" && !strings.HasPrefix(image, "data:") {
		image = "data:image/png;base64," + image
	}
	return CaptchaChallenge{ID: id, ImageBase64: image, ExpiresAt: time.Now().Add(s.ttl)}, nil
}

// Verify consumes the captcha. A nil store accepts everything.
func (s *CaptchaStore) Verify(id, answer string) bool {
	if s == nil {
		return true
	}
	id = strings.TrimSpace(id)
	answer = strings.TrimSpace(answer)
	if id == "" || answer == "" {
		return false
	}
	return base64Captcha.NewCaptcha(s.driver, s.store).Verify(id, answer, true)
}
