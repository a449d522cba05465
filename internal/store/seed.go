package store

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fjod/stockcart/internal/domain"
)

// Seed is the catalog a memory store starts with.
type Seed struct {
	Users []struct {
		ID   int64       `json:"id"`
		Role domain.Role `json:"role"`
	} `json:"users"`
	SubCategories []struct {
		ID       int64  `json:"id"`
		Name     string `json:"name"`
		Category string `json:"category"`
	} `json:"sub_categories"`
	Items []domain.Item `json:"items"`
}

// LoadSeedFile reads a JSON seed from path.
func LoadSeedFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	for _, u := range seed.Users {
		if !u.Role.Valid() {
			return nil, fmt.Errorf("seed user %d: unknown role %q", u.ID, u.Role)
		}
	}
	return &seed, nil
}

func (s *MemoryStore) Apply(seed *Seed) {
	for _, u := range seed.Users {
		s.PutUser(u.ID, u.Role)
	}
	for _, sc := range seed.SubCategories {
		s.PutSubCategory(sc.ID, sc.Name, sc.Category)
	}
	for _, item := range seed.Items {
		s.PutItem(item)
	}
}
