package sdk

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Endpoint 通过SRV记录解析出的实例地址
type Endpoint struct {
	Target string // SRV目标名称，即 <instanceId>.<service>.<domain>.
	Addr   string // ip:port
	Weight uint16
}

// DNSDiscovery 通过代理的DNS接口发现服务实例
type DNSDiscovery struct {
	dnsServer string
	domain    string
	cacheTTL  time.Duration
	client    *dns.Client
	now       func() time.Time

	cacheLocker sync.RWMutex
	srvCache    map[string]srvCacheEntry
}

type srvCacheEntry struct {
	endpoints  []Endpoint
	expiration time.Time
}

// NewDNSDiscovery 创建DNS服务发现客户端
func NewDNSDiscovery(dnsServer, domain string, cacheTTL time.Duration) *DNSDiscovery {
	if dnsServer == "" {
		dnsServer = "127.0.0.1:5353"
	}
	if domain == "" {
		domain = "service.local"
	}
	if cacheTTL < 0 {
		cacheTTL = 0
	}

	return &DNSDiscovery{
		dnsServer: dnsServer,
		domain:    strings.TrimSuffix(domain, "."),
		cacheTTL:  cacheTTL,
		client:    &dns.Client{Net: "udp", Timeout: 5 * time.Second},
		now:       time.Now,
		srvCache:  make(map[string]srvCacheEntry),
	}
}

// Lookup 返回服务的全部可用实例，cacheTTL内复用上次结果
func (d *DNSDiscovery) Lookup(ctx context.Context, serviceName string) ([]Endpoint, error) {
	if endpoints, ok := d.getFromCache(serviceName); ok {
		return endpoints, nil
	}

	queryName := fmt.Sprintf("_%s._tcp.%s", serviceName, d.domain)
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(queryName), dns.TypeSRV)

	r, _, err := d.client.ExchangeContext(ctx, m, d.dnsServer)
	if err != nil {
		return nil, fmt.Errorf("解析SRV记录[%s]失败: %w", queryName, err)
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("未找到服务[%s]的SRV记录: %s", queryName, dns.RcodeToString[r.Rcode])
	}

	// 附加段中的A记录给出SRV目标的地址
	glue := make(map[string]string)
	for _, rr := range r.Extra {
		if a, ok := rr.(*dns.A); ok {
			glue[strings.ToLower(a.Hdr.Name)] = a.A.String()
		}
	}

	var endpoints []Endpoint
	for _, rr := range r.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		ip, ok := glue[strings.ToLower(srv.Target)]
		if !ok {
			continue
		}
		endpoints = append(endpoints, Endpoint{
			Target: srv.Target,
			Addr:   net.JoinHostPort(ip, strconv.Itoa(int(srv.Port))),
			Weight: srv.Weight,
		})
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("未找到服务[%s]的地址", queryName)
	}

	d.updateCache(serviceName, endpoints)
	return endpoints, nil
}

// ResolveService 按权重选择一个实例，返回 ip:port
func (d *DNSDiscovery) ResolveService(ctx context.Context, serviceName string) (string, error) {
	endpoints, err := d.Lookup(ctx, serviceName)
	if err != nil {
		return "", err
	}
	return selectByWeight(endpoints, rand.IntN).Addr, nil
}

// Invalidate 删除服务的缓存结果
func (d *DNSDiscovery) Invalidate(serviceName string) {
	d.cacheLocker.Lock()
	defer d.cacheLocker.Unlock()
	delete(d.srvCache, serviceName)
}

func (d *DNSDiscovery) getFromCache(serviceName string) ([]Endpoint, bool) {
	d.cacheLocker.RLock()
	defer d.cacheLocker.RUnlock()

	entry, ok := d.srvCache[serviceName]
	if !ok || !d.now().Before(entry.expiration) {
		return nil, false
	}
	return entry.endpoints, true
}

func (d *DNSDiscovery) updateCache(serviceName string, endpoints []Endpoint) {
	if d.cacheTTL == 0 {
		return
	}
	d.cacheLocker.Lock()
	defer d.cacheLocker.Unlock()

	d.srvCache[serviceName] = srvCacheEntry{
		endpoints:  endpoints,
		expiration: d.now().Add(d.cacheTTL),
	}
}

// selectByWeight 按权重随机选择，权重全为0时等概率选择
func selectByWeight(endpoints []Endpoint, intn func(int) int) Endpoint {
	if len(endpoints) == 1 {
		return endpoints[0]
	}

	totalWeight := 0
	for _, e := range endpoints {
		totalWeight += int(e.Weight)
	}
	if totalWeight == 0 {
		return endpoints[intn(len(endpoints))]
	}

	n := intn(totalWeight)
	for _, e := range endpoints {
		n -= int(e.Weight)
		if n < 0 {
			return e
		}
	}
	return endpoints[0]
}
