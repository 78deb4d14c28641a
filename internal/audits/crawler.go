package audits

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
)

// Page is one crawled document handed to the audits. Doc is parsed once so
// every audit shares it.
type Page struct {
	URL        string
	StatusCode int
	Depth      int
	HTML       string
	Doc        *goquery.Document
}

// Crawler walks an audited site with Colly and collects parsed pages.
type Crawler struct {
	UserAgent      string
	MaxRetries     int
	RequestTimeout time.Duration
}

func NewCrawler() *Crawler {
	return &Crawler{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		MaxRetries:     3,
		RequestTimeout: 30 * time.Second,
	}
}

func (c *Crawler) buildCollector(site SiteConfig, host string) *colly.Collector {
	domains := append([]string{host}, site.Crawl.ExtraDomains...)

	opts := []colly.CollectorOption{
		colly.UserAgent(c.UserAgent),
		colly.AllowedDomains(domains...),
		colly.MaxBodySize(10 * 1024 * 1024),
		colly.DetectCharset(),
	}

	maxDepth := site.Crawl.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}
	opts = append(opts, colly.MaxDepth(maxDepth))

	if site.Crawl.IgnoreRobots {
		opts = append(opts, colly.IgnoreRobotsTxt())
	}

	collector := colly.NewCollector(opts...)

	rps := site.Crawl.RateLimitRPS
	if rps <= 0 {
		rps = 1.0
	}
	delay := time.Duration(float64(time.Second) / rps)
	collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 2,
		Delay:       delay,
		RandomDelay: delay / 2,
	})

	timeout := c.RequestTimeout
	if site.Crawl.TimeoutSeconds > 0 {
		timeout = time.Duration(site.Crawl.TimeoutSeconds) * time.Second
	}
	collector.SetRequestTimeout(timeout)

	collector.OnError(func(r *colly.Response, err error) {
		if r.Request.Ctx.GetAny("retries") == nil {
			r.Request.Ctx.Put("retries", 0)
		}
		retries := r.Request.Ctx.GetAny("retries").(int)
		if retries < c.MaxRetries {
			r.Request.Ctx.Put("retries", retries+1)
			log.Printf("[crawler] retry %d/%d for %s: %v", retries+1, c.MaxRetries, r.Request.URL, err)
			time.Sleep(time.Duration(retries+1) * time.Second)
			r.Request.Retry()
		}
	})

	return collector
}

// Crawl walks the site breadth-first from its root URL, following same-host
// links up to the configured page and depth limits.
func (c *Crawler) Crawl(ctx context.Context, site SiteConfig) ([]Page, error) {
	root, err := url.Parse(site.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid site URL %q: %w", site.URL, err)
	}

	maxPages := site.Crawl.MaxPages
	if maxPages <= 0 {
		maxPages = 50
	}

	collector := c.buildCollector(site, root.Host)

	var pages []Page
	visited := make(map[string]bool)

	collector.OnResponse(func(r *colly.Response) {
		if ctx.Err() != nil {
			return
		}
		if len(pages) >= maxPages {
			return
		}
		pageURL := r.Request.URL.String()
		if visited[pageURL] {
			return
		}
		visited[pageURL] = true

		contentType := strings.ToLower(r.Headers.Get("Content-Type"))
		if contentType != "" && !strings.Contains(contentType, "html") {
			return
		}

		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
		if err != nil {
			log.Printf("[crawler] failed to parse %s: %v", pageURL, err)
			return
		}

		pages = append(pages, Page{
			URL:        pageURL,
			StatusCode: r.StatusCode,
			Depth:      r.Request.Depth,
			HTML:       string(r.Body),
			Doc:        doc,
		})
	})

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if ctx.Err() != nil || len(pages) >= maxPages {
			return
		}
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" {
			return
		}
		if strings.HasPrefix(link, "mailto:") || strings.HasPrefix(link, "tel:") {
			return
		}
		e.Request.Visit(link)
	})

	if err := collector.Visit(site.URL); err != nil {
		return nil, fmt.Errorf("failed to start crawl of %s: %w", site.URL, err)
	}
	collector.Wait()

	if err := ctx.Err(); err != nil {
		return pages, err
	}

	log.Printf("[crawler] crawled %d pages from %s", len(pages), site.URL)
	return pages, nil
}
