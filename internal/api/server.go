package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Reverso-Core/internal/chain"
	xerrors "Reverso-Core/internal/errors"
	"Reverso-Core/internal/guardian"
	"Reverso-Core/internal/ledger"
	"Reverso-Core/internal/monitor"
	"Reverso-Core/internal/observability/metrics"
)

// ChainReader 是链路端点需要的结算网络只读视图，chain.Gateway 实现它。
type ChainReader interface {
	FetchSnapshot(ctx context.Context) (chain.Snapshot, error)
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// Server 暴露只读查询接口。所有变更操作都走进程内调用，
// 不经由 HTTP 暴露。
type Server struct {
	addr      string
	ledger    *ledger.Service
	authority *guardian.Authority
	monitor   *monitor.Monitor
	gateway   ChainReader
}

// NewServer 构造查询服务实例。gateway 可以为空，此时链路端点返回 503。
func NewServer(addr string, svc *ledger.Service, auth *guardian.Authority, mon *monitor.Monitor, gw ChainReader) *Server {
	return &Server{addr: addr, ledger: svc, authority: auth, monitor: mon, gateway: gw}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/transfers/", s.observed("transfer", s.handleTransfer))
	mux.HandleFunc("/api/v1/transfers", s.observed("transfers", s.handleTransferList))
	mux.HandleFunc("/api/v1/quote", s.observed("quote", s.handleQuote))
	mux.HandleFunc("/api/v1/stats", s.observed("stats", s.handleStats))
	mux.HandleFunc("/api/v1/monitor/health", s.observed("monitor_health", s.handleMonitorHealth))
	mux.HandleFunc("/api/v1/monitor/stats", s.observed("monitor_stats", s.handleMonitorStats))
	mux.HandleFunc("/api/v1/guardian/actions", s.observed("guardian_actions", s.handleGuardianActions))
	mux.HandleFunc("/api/v1/chain", s.observed("chain", s.handleChain))
	mux.HandleFunc("/healthz", s.observed("healthz", s.handleHealthz))

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) observed(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

// handleTransfer 处理 /api/v1/transfers/{id} 的查询。
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, "/api/v1/transfers/")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		http.Error(w, "转账 ID 无效", http.StatusBadRequest)
		return
	}

	t, err := s.ledger.GetTransfer(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, t)
}

// handleTransferList 按 sender 或 recipient 列出转账。
func (s *Server) handleTransferList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	if raw := r.URL.Query().Get("sender"); raw != "" {
		results, err := s.ledger.SentTransfers(ctx, common.HexToAddress(raw))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, results)
		return
	}
	if raw := r.URL.Query().Get("recipient"); raw != "" {
		results, err := s.ledger.ReceivedTransfers(ctx, common.HexToAddress(raw))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, results)
		return
	}
	http.Error(w, "需要 sender 或 recipient 参数", http.StatusBadRequest)
}

// handleQuote 试算手续费，不触碰任何状态。
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	amount, ok := new(big.Int).SetString(r.URL.Query().Get("amount"), 10)
	if !ok {
		http.Error(w, "amount 参数无效", http.StatusBadRequest)
		return
	}
	withInsurance := r.URL.Query().Get("insurance") == "true"

	quote, err := ledger.QuoteFee(amount, withInsurance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, quote)
}

type statsResponse struct {
	Paused          bool   `json:"paused"`
	Treasury        string `json:"treasury"`
	LockedValue     string `json:"locked_value"`
	InsurancePool   string `json:"insurance_pool"`
	FeesCollected   string `json:"fees_collected"`
	Asset           string `json:"asset"`
	GuardianCount   int    `json:"guardian_count"`
	OpenActionCount int    `json:"open_action_count"`
	EmergencyMode   bool   `json:"emergency_mode"`
}

// handleStats 返回某资产的账本资金口径与机构概况。
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	asset := common.HexToAddress(r.URL.Query().Get("asset"))

	locked, err := s.ledger.LockedValue(ctx, asset)
	if err != nil {
		writeError(w, err)
		return
	}
	pool, err := s.ledger.InsurancePoolBalance(ctx, asset)
	if err != nil {
		writeError(w, err)
		return
	}
	fees, err := s.ledger.TreasuryFeesCollected(ctx, asset)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := statsResponse{
		Paused:        s.ledger.Paused(),
		Treasury:      s.ledger.Treasury().Hex(),
		LockedValue:   locked.String(),
		InsurancePool: pool.String(),
		FeesCollected: fees.String(),
		Asset:         asset.Hex(),
	}
	if s.authority != nil {
		resp.GuardianCount = len(s.authority.Guardians())
		resp.EmergencyMode = s.authority.EmergencyMode()
		if open, err := s.authority.OpenActions(ctx); err == nil {
			resp.OpenActionCount = len(open)
		}
	}
	writeJSON(w, resp)
}

// handleMonitorHealth 返回流量健康度评级。
func (s *Server) handleMonitorHealth(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		http.Error(w, "监控未启用", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.monitor.HealthCheck())
}

// handleMonitorStats 返回全局或单地址画像。
func (s *Server) handleMonitorStats(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		http.Error(w, "监控未启用", http.StatusServiceUnavailable)
		return
	}
	if raw := r.URL.Query().Get("address"); raw != "" {
		writeJSON(w, s.monitor.Stats(common.HexToAddress(raw)))
		return
	}
	writeJSON(w, s.monitor.Overall())
}

// handleGuardianActions 列出尚未进入终态的特权操作。
func (s *Server) handleGuardianActions(w http.ResponseWriter, r *http.Request) {
	if s.authority == nil {
		http.Error(w, "监管机构未启用", http.StatusServiceUnavailable)
		return
	}
	actions, err := s.authority.OpenActions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, actions)
}

type chainResponse struct {
	chain.Snapshot
	Treasury        string `json:"treasury"`
	TreasuryBalance string `json:"treasury_balance"`
}

// handleChain 返回结算网络快照与 treasury 的链上原生余额，
// 供运维比对账本口径与链上实际资金。
func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		http.Error(w, "结算网络未接入", http.StatusServiceUnavailable)
		return
	}
	snapshot, err := s.gateway.FetchSnapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	treasury := s.ledger.Treasury()
	balance, err := s.gateway.NativeBalance(r.Context(), treasury)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, chainResponse{
		Snapshot:        snapshot,
		Treasury:        treasury.Hex(),
		TreasuryBalance: balance.String(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case ledger.CodeTransferNotFound, guardian.CodeActionNotFound, xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeInvalidArgument, ledger.CodeTransferValidation:
		status = http.StatusBadRequest
	case xerrors.CodeNotAuthorized:
		status = http.StatusForbidden
	}
	http.Error(w, err.Error(), status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
