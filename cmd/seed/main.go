// Seeds demo stores so the widget and billing surfaces can be exercised
// against an empty database.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"tryon-pipeline/internal/config"
	"tryon-pipeline/internal/domain/model"
	pg "tryon-pipeline/internal/infra/db/postgres"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, true)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 2)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	stores := pg.NewStoreRepo(pool)

	demo := []struct {
		slug string
		name string
	}{
		{"demo-boutique", "Demo Boutique"},
		{"vintage-closet", "Vintage Closet"},
	}
	for _, d := range demo {
		if existing, err := stores.FindBySlug(ctx, nil, d.slug); err == nil {
			log.Printf("store %q already exists (id=%s)", d.slug, existing.ID)
			continue
		}
		s, err := model.NewStore("", d.slug, d.name)
		if err != nil {
			log.Fatalf("new store %q: %v", d.slug, err)
		}
		if err := stores.Save(ctx, nil, s); err != nil {
			log.Fatalf("save store %q: %v", d.slug, err)
		}
		log.Printf("seeded store %q (id=%s)", d.slug, s.ID)
	}
}
