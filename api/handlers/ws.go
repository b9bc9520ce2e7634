package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/digigami/api"
	"github.com/BaSui01/digigami/generation"
	"github.com/BaSui01/digigami/internal/ctxkeys"
	"github.com/BaSui01/digigami/threed"
	"github.com/BaSui01/digigami/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// 🔌 WebSocket 进度流
// =============================================================================

// WSHandler 处理 /ws/3d。每个连接同一时刻最多运行一个生成任务，
// 连接断开时取消该任务。
type WSHandler struct {
	gen          *Gen3DHandler
	originHosts  []string
	writeTimeout time.Duration
	logger       *zap.Logger
}

// NewWSHandler 基于 Gen3DHandler 创建 WebSocket 处理器。originHosts 为空时
// 只接受同源连接。
func NewWSHandler(gen *Gen3DHandler, originHosts []string, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		gen:          gen,
		originHosts:  originHosts,
		writeTimeout: 10 * time.Second,
		logger:       logger.With(zap.String("component", "ws_3d")),
	}
}

// wsSession 是一条连接的状态
type wsSession struct {
	id     string
	conn   *websocket.Conn
	h      *WSHandler
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// ServeHTTP 升级连接并运行读循环
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originHosts,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(h.gen.maxUpload * 2) // base64 膨胀

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctxkeys.WithSessionID(r.Context(), id))
	defer cancel()

	s := &wsSession{
		id:     id,
		conn:   conn,
		h:      h,
		logger: h.logger.With(zap.String("session_id", id)),
	}
	s.logger.Info("websocket connected", zap.String("remote_addr", r.RemoteAddr))

	s.send(ctx, api.WSResponse{Type: api.WSHandshakeAck, SessionID: id, Backends: h.gen.gen.Backends()})

	err = s.readLoop(ctx)

	// 断开即取消正在运行的生成
	s.cancelRunning()
	cancel()
	s.wg.Wait()

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.logger.Info("websocket closed")
	default:
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug("websocket read ended", zap.Error(err))
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "closing")
}

func (s *wsSession) readLoop(ctx context.Context) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		var req api.WSRequest
		if typ != websocket.MessageText || json.Unmarshal(data, &req) != nil {
			s.sendError(ctx, types.NewError(types.ErrValidation, "message must be a JSON object"))
			continue
		}

		switch req.Type {
		case api.WSHandshake:
			s.send(ctx, api.WSResponse{Type: api.WSHandshakeAck, SessionID: s.id, Backends: s.h.gen.gen.Backends()})
		case api.WSPing:
			s.send(ctx, api.WSResponse{Type: api.WSPong})
		case api.WSCancel:
			if s.cancelRunning() {
				s.send(ctx, api.WSResponse{Type: api.WSStatus, Status: "cancelled"})
			} else {
				s.send(ctx, api.WSResponse{Type: api.WSStatus, Status: "idle"})
			}
		case api.WSGenerate, api.WSGenerateCharacter:
			s.startGeneration(ctx, req)
		default:
			s.sendError(ctx, types.Errorf(types.ErrValidation, "unknown message type %q", req.Type))
		}
	}
}

// startGeneration 在独立 goroutine 中运行生成，读循环继续处理 cancel/ping
func (s *wsSession) startGeneration(ctx context.Context, req api.WSRequest) {
	run, err := s.prepare(req)
	if err != nil {
		s.sendError(ctx, err)
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.sendError(ctx, types.NewError(types.ErrValidation, "a generation is already running on this connection"))
		return
	}
	genCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		progress := generation.WithProgress(func(percent float64, message string) {
			p := percent
			s.send(ctx, api.WSResponse{Type: api.WSProgress, Percent: &p, Message: message})
		})

		task, err := run(genCtx, progress)

		// 先释放槽位再推送结果，客户端收到 result 后即可发起下一次生成
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
		cancel()

		switch {
		case types.IsCode(err, types.ErrCanceled):
			s.logger.Info("generation canceled")
		case err != nil:
			s.sendError(ctx, err)
		default:
			s.send(ctx, api.WSResponse{Type: api.WSResult, Task: task, Status: string(task.Status)})
		}
	}()
}

type runFunc func(ctx context.Context, progress generation.Option) (*threed.Task, error)

// prepare 校验请求并返回待执行的生成调用
func (s *wsSession) prepare(req api.WSRequest) (runFunc, error) {
	opts, err := backendOption(req.Backend)
	if err != nil {
		return nil, err
	}
	opts = append(opts, generation.WithSubmitOptions(req.Options))
	gen := s.h.gen

	if req.Type == api.WSGenerateCharacter {
		dir, err := gen.resolvePosesDir(req.PosesDir)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSpace(req.CharacterName)
		return func(ctx context.Context, progress generation.Option) (*threed.Task, error) {
			return gen.gen.GenerateCharacterFromPoses(ctx, dir, name, append(opts, progress)...)
		}, nil
	}

	raw, err := decodeDataURL(req.Image)
	if err != nil {
		return nil, err
	}
	img, err := DecodeImage(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, progress generation.Option) (*threed.Task, error) {
		return gen.gen.GenerateFromImage(ctx, img, append(opts, progress)...)
	}, nil
}

func (s *wsSession) cancelRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// send 串行写出一条消息；连接已关闭时丢弃
func (s *wsSession) send(ctx context.Context, msg api.WSResponse) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, s.h.writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, s.conn, msg); err != nil {
		s.logger.Debug("websocket write failed", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

func (s *wsSession) sendError(ctx context.Context, err error) {
	code := types.GetErrorCode(err)
	if code == "" {
		code = types.ErrInternal
	}
	s.send(ctx, api.WSResponse{Type: api.WSError, Code: string(code), Message: types.Message(err)})
}

// decodeDataURL 接受裸 base64 或 data:image/...;base64,... 形式
func decodeDataURL(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, types.NewError(types.ErrValidation, "image is required")
	}
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 || !strings.HasSuffix(s[:i], ";base64") {
			return nil, types.NewError(types.ErrValidation, "image data URL must be base64 encoded")
		}
		s = s[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, types.NewError(types.ErrValidation, "image is not valid base64").WithCause(err)
	}
	return raw, nil
}
