package dispatch

import (
	"errors"
	"testing"

	"transcription-service/internal/models"
	"transcription-service/internal/supplier"
)

func client(name string, highAccuracy bool) *supplier.HTTPClient {
	return supplier.NewHTTPClient(supplier.Options{
		Name:         name,
		BaseURL:      "https://" + name + ".test",
		APIKey:       "key",
		HighAccuracy: highAccuracy,
	})
}

func TestRouteByCapability(t *testing.T) {
	std := client(supplier.FamilyStandard, false)
	prec := client(supplier.FamilyPrecision, true)
	r := NewRouter([]string{supplier.FamilyStandard, supplier.FamilyPrecision}, false, std, prec)

	c, queued, err := r.Route(false)
	if err != nil || queued {
		t.Fatalf("standard route: queued=%v err=%v", queued, err)
	}
	if c.Name() != supplier.FamilyStandard {
		t.Fatalf("standard job routed to %s", c.Name())
	}

	c, queued, err = r.Route(true)
	if err != nil || queued {
		t.Fatalf("precision route: queued=%v err=%v", queued, err)
	}
	if c.Name() != supplier.FamilyPrecision {
		t.Fatalf("high-accuracy job routed to %s", c.Name())
	}
}

func TestRouteIgnoresUnconfigured(t *testing.T) {
	unconfigured := supplier.NewHTTPClient(supplier.Options{Name: supplier.FamilyStandard})
	prec := client(supplier.FamilyPrecision, true)
	r := NewRouter([]string{supplier.FamilyStandard, supplier.FamilyPrecision}, false, unconfigured, prec)

	// Standard jobs still run on a precision-only deployment.
	c, queued, err := r.Route(false)
	if err != nil || queued {
		t.Fatalf("queued=%v err=%v", queued, err)
	}
	if c.Name() != supplier.FamilyPrecision {
		t.Fatalf("routed to %s", c.Name())
	}
}

func TestRouteIgnoresDisabledFamilies(t *testing.T) {
	std := client(supplier.FamilyStandard, false)
	prec := client(supplier.FamilyPrecision, true)
	r := NewRouter([]string{supplier.FamilyStandard}, false, std, prec)

	if _, _, err := r.Route(true); !errors.Is(err, models.ErrNoRoute) {
		t.Fatalf("disabled precision family should be unrouteable, got %v", err)
	}
}

func TestRouteFallsBackToQueue(t *testing.T) {
	r := NewRouter(nil, true)

	c, queued, err := r.Route(false)
	if err != nil {
		t.Fatal(err)
	}
	if c != nil || !queued {
		t.Fatalf("want queue fallback, got client=%v queued=%v", c, queued)
	}
	if !r.FallbackEnabled() {
		t.Fatal("FallbackEnabled")
	}
}

func TestRouteNoRouteWithoutFallback(t *testing.T) {
	r := NewRouter(nil, false)
	if _, _, err := r.Route(false); !errors.Is(err, models.ErrNoRoute) {
		t.Fatalf("want ErrNoRoute, got %v", err)
	}
}
