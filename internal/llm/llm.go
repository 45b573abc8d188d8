package llm

import (
	"context"
	"strings"
)

// Request 描述一次对话请求：Instructions 来自对话上下文，Text 是用户输入。
type Request struct {
	Instructions string
	Text         string
}

// Response 是大模型给出的回复。
type Response struct {
	Reply string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Echo 原样返回用户输入，用于本地开发与测试。
type Echo struct {
	Prefix string
}

// Generate 实现 Client。
func (e Echo) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Response{Reply: e.Prefix + strings.TrimSpace(req.Text)}, nil
}

var _ Client = Echo{}
