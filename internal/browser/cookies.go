package browser

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/tabwire/internal/protocol"
)

// CriticalCookies are the session cookie names reported separately.
var CriticalCookies = []string{"SAPISID", "SSID", "SID", "APISID", "HSID"}

// Cookie is a browser cookie.
type Cookie struct {
	Name   string
	Value  string
	Domain string
}

// CookieSource reads the cookies stored for one domain.
type CookieSource interface {
	DomainCookies(ctx context.Context, domain string) ([]Cookie, error)
}

// CollectCookies reads every domain concurrently and merges the results.
// A domain that fails is skipped. Cookies are deduplicated on name and domain,
// keeping the order of domains and of cookies within a domain.
func CollectCookies(ctx context.Context, src CookieSource, domains []string) (protocol.CookieReport, error) {
	perDomain := make([][]Cookie, len(domains))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, domain := range domains {
		g.Go(func() error {
			cookies, err := src.DomainCookies(gctx, domain)
			if err != nil {
				return nil
			}
			perDomain[i] = cookies
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return protocol.CookieReport{}, fmt.Errorf("collect cookies: %w", err)
	}

	seen := make(map[string]bool)
	var unique []Cookie
	for _, cookies := range perDomain {
		for _, c := range cookies {
			key := c.Name + "_" + c.Domain
			if seen[key] {
				continue
			}
			seen[key] = true
			unique = append(unique, c)
		}
	}

	return report(unique), nil
}

func report(cookies []Cookie) protocol.CookieReport {
	critical := make(map[string]bool, len(CriticalCookies))
	for _, name := range CriticalCookies {
		critical[name] = true
	}

	pairs := make([]string, 0, len(cookies))
	found := []string{}
	reported := make(map[string]bool)
	for _, c := range cookies {
		pairs = append(pairs, c.Name+"="+c.Value)
		if critical[c.Name] && !reported[c.Name] {
			reported[c.Name] = true
			found = append(found, c.Name)
		}
	}

	return protocol.CookieReport{
		Cookies:       strings.Join(pairs, "; "),
		CookieCount:   len(cookies),
		CriticalNames: found,
	}
}
