package protocol

import (
	"context"
	"time"

	"netintercept/internal/ctxkeys"
	"netintercept/internal/intercept"
	"netintercept/internal/logger"
	"netintercept/internal/urlpattern"
	"netintercept/pkg/domain"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Session 命令作用的会话
type Session interface {
	AddIntercept(ctx context.Context, phases []domain.Phase, specs []urlpattern.Spec) (domain.InterceptID, error)
	RemoveIntercept(ctx context.Context, id domain.InterceptID) error
	Resolve(ctx context.Context, id domain.RequestID, res domain.Resolution) error
	Subscribe(names ...string) error
	Unsubscribe(names ...string) error
}

type commandFunc func(ctx context.Context, params gjson.Result) (any, error)

// Processor 单个会话的命令处理器
type Processor struct {
	sess     Session
	log      logger.Logger
	commands map[string]commandFunc
}

// NewProcessor 创建命令处理器
func NewProcessor(sess Session, l logger.Logger) *Processor {
	if l == nil {
		l = logger.NewNop()
	}
	p := &Processor{sess: sess, log: l}
	p.commands = map[string]commandFunc{
		"network.addIntercept":     p.addIntercept,
		"network.removeIntercept":  p.removeIntercept,
		"network.continueRequest":  p.continueRequest,
		"network.continueResponse": p.continueResponse,
		"network.continueWithAuth": p.continueWithAuth,
		"network.failRequest":      p.failRequest,
		"network.provideResponse":  p.provideResponse,
		"session.subscribe":        p.subscribe,
		"session.unsubscribe":      p.unsubscribe,
	}
	return p
}

// Process 处理一条原始命令并返回响应
func (p *Processor) Process(ctx context.Context, raw []byte) []byte {
	cmd, id, err := Parse(raw)
	if err != nil {
		p.log.Warn("命令解析失败", "error", err.Error())
		return Failure(nil, id, err)
	}

	traceID := uuid.NewString()
	ctx = ctxkeys.WithTraceID(ctx, traceID)
	l := p.log.With("traceId", traceID, "id", cmd.ID, "method", cmd.Method)
	start := time.Now()

	fn, ok := p.commands[cmd.Method]
	if !ok {
		err := domain.UnknownCommand(cmd.Method)
		l.Warn("未知命令")
		return Failure(cmd, &cmd.ID, err)
	}

	result, err := fn(ctx, cmd.Params)
	if err != nil {
		e := domain.AsError(err)
		l.Debug("命令执行失败", "code", string(e.Code), "message", e.Message, "duration", time.Since(start))
		return Failure(cmd, &cmd.ID, err)
	}
	out, err := Success(cmd, result)
	if err != nil {
		l.Err(err, "编码响应失败")
		return Failure(cmd, &cmd.ID, err)
	}
	l.Debug("命令执行完成", "duration", time.Since(start))
	return out
}

type addInterceptResult struct {
	Intercept domain.InterceptID `json:"intercept"`
}

func (p *Processor) addIntercept(ctx context.Context, params gjson.Result) (any, error) {
	phases, err := decodePhases(params)
	if err != nil {
		return nil, err
	}
	// 阶段错误优先于模式错误
	if err := intercept.ValidatePhases(phases); err != nil {
		return nil, err
	}
	specs, err := decodePatterns(params)
	if err != nil {
		return nil, err
	}
	id, err := p.sess.AddIntercept(ctx, phases, specs)
	if err != nil {
		return nil, err
	}
	return addInterceptResult{Intercept: id}, nil
}

func (p *Processor) removeIntercept(ctx context.Context, params gjson.Result) (any, error) {
	id, err := requiredString(params, "intercept")
	if err != nil {
		return nil, err
	}
	return nil, p.sess.RemoveIntercept(ctx, domain.InterceptID(id))
}

func (p *Processor) resolve(ctx context.Context, params gjson.Result, res domain.Resolution) (any, error) {
	id, err := requiredString(params, "request")
	if err != nil {
		return nil, err
	}
	return nil, p.sess.Resolve(ctx, domain.RequestID(id), res)
}

func (p *Processor) continueRequest(ctx context.Context, params gjson.Result) (any, error) {
	o, err := decodeRequestOverride(params)
	if err != nil {
		return nil, err
	}
	return p.resolve(ctx, params, domain.Resolution{Kind: domain.ResolveContinueRequest, Request: o})
}

func (p *Processor) continueResponse(ctx context.Context, params gjson.Result) (any, error) {
	return p.resolve(ctx, params, domain.Resolution{Kind: domain.ResolveContinueResponse})
}

func (p *Processor) continueWithAuth(ctx context.Context, params gjson.Result) (any, error) {
	action, creds, err := decodeAuth(params)
	if err != nil {
		return nil, err
	}
	return p.resolve(ctx, params, domain.Resolution{Kind: domain.ResolveContinueWithAuth, Auth: action, Credentials: creds})
}

func (p *Processor) failRequest(ctx context.Context, params gjson.Result) (any, error) {
	return p.resolve(ctx, params, domain.Resolution{Kind: domain.ResolveFail})
}

func (p *Processor) provideResponse(ctx context.Context, params gjson.Result) (any, error) {
	o, err := decodeResponseOverride(params)
	if err != nil {
		return nil, err
	}
	return p.resolve(ctx, params, domain.Resolution{Kind: domain.ResolveProvideResponse, Response: o})
}

func (p *Processor) subscribe(_ context.Context, params gjson.Result) (any, error) {
	names, err := stringList(params, "events")
	if err != nil {
		return nil, err
	}
	return nil, p.sess.Subscribe(names...)
}

func (p *Processor) unsubscribe(_ context.Context, params gjson.Result) (any, error) {
	names, err := stringList(params, "events")
	if err != nil {
		return nil, err
	}
	return nil, p.sess.Unsubscribe(names...)
}
