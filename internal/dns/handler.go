package dns

import (
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-proxy/internal/config"
	"github.com/hewenyu/kong-proxy/internal/core/model"
	"github.com/hewenyu/kong-proxy/internal/registry"
)

// Handler 从注册表应答服务发现查询
//
//	A:   <service>.<domain>
//	A:   <instanceId>.<service>.<domain>
//	SRV: _<service>._tcp.<domain>
//
// 只返回可选的实例，本域以外的名称返回REFUSED
type Handler struct {
	source InstanceSource
	domain string // 规范化的FQDN，小写
	ttl    uint32
	logger config.Logger
}

// NewHandler 创建DNS处理器
func NewHandler(source InstanceSource, domain string, ttl uint32, logger config.Logger) *Handler {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Handler{
		source: source,
		domain: strings.ToLower(dns.Fqdn(domain)),
		ttl:    ttl,
		logger: logger,
	}
}

// ServeDNS 实现dns.Handler接口
func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	if len(r.Question) != 1 {
		m.Rcode = dns.RcodeFormatError
		h.write(w, m)
		return
	}
	q := r.Question[0]

	pq, ok := h.parseName(q.Name)
	if !ok {
		m.Authoritative = false
		m.Rcode = dns.RcodeRefused
		h.write(w, m)
		return
	}

	var instances []*model.ServiceInstance
	if pq.service != "" {
		instances = h.source.ListInstances(pq.service, registry.ListOptions{OnlyHealthy: true})
	}
	if pq.instance != "" {
		instances = filterInstance(instances, pq.instance)
	}
	if len(instances) == 0 {
		m.Rcode = dns.RcodeNameError
		h.write(w, m)
		return
	}

	switch {
	case q.Qtype == dns.TypeSRV && pq.srv:
		h.answerSRV(m, q, pq.service, instances)
	case q.Qtype == dns.TypeA && !pq.srv:
		h.answerA(m, q, instances)
	}

	h.logger.Debug("DNS查询",
		zap.String("name", q.Name),
		zap.String("type", dns.TypeToString[q.Qtype]),
		zap.Int("answers", len(m.Answer)))
	h.write(w, m)
}

// query 解析后的查询名称
type query struct {
	service  string
	instance string // 非空表示SRV目标名称 <instanceId>.<service>.<domain>
	srv      bool
}

// parseName 解析查询名称，第二个返回值表示名称是否属于本域
func (h *Handler) parseName(name string) (query, bool) {
	fqdn := dns.Fqdn(name)
	lower := strings.ToLower(fqdn)
	if lower == h.domain {
		return query{}, true
	}
	if !strings.HasSuffix(lower, "."+h.domain) {
		return query{}, false
	}
	labels := dns.SplitDomainName(fqdn[:len(fqdn)-len(h.domain)])

	switch len(labels) {
	case 1:
		return query{service: labels[0]}, true
	case 2:
		if strings.HasPrefix(labels[0], "_") && strings.EqualFold(labels[1], "_tcp") {
			return query{service: strings.TrimPrefix(labels[0], "_"), srv: true}, true
		}
		return query{service: labels[1], instance: labels[0]}, true
	}
	return query{}, true
}

func (h *Handler) answerA(m *dns.Msg, q dns.Question, instances []*model.ServiceInstance) {
	for _, inst := range instances {
		ip, _, ok := splitAddress(inst.Address)
		if !ok {
			continue
		}
		m.Answer = append(m.Answer, h.aRecord(q.Name, ip))
	}
}

func (h *Handler) answerSRV(m *dns.Msg, q dns.Question, serviceName string, instances []*model.ServiceInstance) {
	for _, inst := range instances {
		ip, port, ok := splitAddress(inst.Address)
		if !ok {
			continue
		}
		target := dns.Fqdn(inst.InstanceID + "." + serviceName + "." + h.domain)
		m.Answer = append(m.Answer, &dns.SRV{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeSRV,
				Class:  dns.ClassINET,
				Ttl:    h.ttl,
			},
			Priority: 0,
			Weight:   uint16(inst.Weight()),
			Port:     port,
			Target:   target,
		})
		m.Extra = append(m.Extra, h.aRecord(target, ip))
	}
}

func (h *Handler) aRecord(name string, ip net.IP) dns.RR {
	return &dns.A{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    h.ttl,
		},
		A: ip,
	}
}

func (h *Handler) write(w dns.ResponseWriter, m *dns.Msg) {
	if err := w.WriteMsg(m); err != nil {
		h.logger.Warn("发送DNS响应失败", zap.Error(err))
	}
}

func filterInstance(instances []*model.ServiceInstance, instanceID string) []*model.ServiceInstance {
	for _, inst := range instances {
		if inst.InstanceID == instanceID {
			return []*model.ServiceInstance{inst}
		}
	}
	return nil
}

// splitAddress 只接受IPv4地址的实例
func splitAddress(address string) (net.IP, uint16, bool) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, 0, false
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return nil, 0, false
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, 0, false
	}
	return ip, uint16(port), true
}
