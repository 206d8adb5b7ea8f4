package dns

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-proxy/internal/config"
)

// server 实现DNS服务
type server struct {
	config     *Config
	handler    *Handler
	logger     config.Logger
	udpServer  *dns.Server
	tcpServer  *dns.Server
	shutdownWg sync.WaitGroup
}

// NewServer 创建一个新的DNS服务实例
func NewServer(cfg *Config, source InstanceSource, logger config.Logger) Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = config.NewNopLogger()
	}

	return &server{
		config:  cfg,
		handler: NewHandler(source, cfg.Domain, cfg.TTL, logger),
		logger:  logger,
	}
}

// Start 启动DNS服务器，监听成功后返回
func (s *server) Start(ctx context.Context) error {
	if s.config.EnableUDP {
		pc, err := net.ListenPacket("udp", s.config.DNSAddr)
		if err != nil {
			return fmt.Errorf("监听UDP地址失败: %w", err)
		}
		s.udpServer = &dns.Server{
			PacketConn:   pc,
			Handler:      s.handler,
			UDPSize:      65535,
			ReadTimeout:  s.config.Timeout,
			WriteTimeout: s.config.Timeout,
		}
		if err := s.serve("udp", pc.LocalAddr().String(), s.udpServer); err != nil {
			s.udpServer = nil
			return err
		}
	}

	if s.config.EnableTCP {
		ln, err := net.Listen("tcp", s.config.DNSAddr)
		if err != nil {
			s.Stop()
			return fmt.Errorf("监听TCP地址失败: %w", err)
		}
		s.tcpServer = &dns.Server{
			Listener:     ln,
			Handler:      s.handler,
			ReadTimeout:  s.config.Timeout,
			WriteTimeout: s.config.Timeout,
		}
		if err := s.serve("tcp", ln.Addr().String(), s.tcpServer); err != nil {
			s.tcpServer = nil
			s.Stop()
			return err
		}
	}

	return nil
}

// serve 在后台运行srv，等待其开始服务后返回
func (s *server) serve(network, addr string, srv *dns.Server) error {
	started := make(chan struct{})
	failed := make(chan error, 1)
	srv.NotifyStartedFunc = func() { close(started) }

	s.shutdownWg.Add(1)
	go func() {
		defer s.shutdownWg.Done()
		if err := srv.ActivateAndServe(); err != nil {
			failed <- err
			s.logger.Error("DNS服务器异常退出", zap.String("network", network), zap.Error(err))
		}
	}()

	select {
	case <-started:
		s.logger.Info("DNS服务器启动",
			zap.String("network", network),
			zap.String("addr", addr),
			zap.String("domain", s.config.Domain))
		return nil
	case err := <-failed:
		return fmt.Errorf("启动%s DNS服务器失败: %w", network, err)
	}
}

// Addr 返回UDP监听地址，未启用UDP时返回TCP地址
func (s *server) Addr() string {
	switch {
	case s.udpServer != nil:
		return s.udpServer.PacketConn.LocalAddr().String()
	case s.tcpServer != nil:
		return s.tcpServer.Listener.Addr().String()
	}
	return ""
}

// Stop 停止DNS服务器
func (s *server) Stop() error {
	var errs []error

	if s.udpServer != nil {
		if err := s.udpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("关闭UDP服务器失败: %w", err))
		}
	}

	if s.tcpServer != nil {
		if err := s.tcpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("关闭TCP服务器失败: %w", err))
		}
	}

	s.shutdownWg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("停止DNS服务器时发生错误: %v", errs)
	}

	return nil
}
