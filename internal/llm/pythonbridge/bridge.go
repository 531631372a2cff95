package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/llm"
)

// Client 通过调用本地脚本完成生成，适用于开发环境或离线模型。
// 脚本从 stdin 读取 llm.Request 的 JSON，向 stdout 输出 {"text": string, "structured": object}。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{pythonExec: pythonExec, scriptPath: scriptPath, workingDir: workingDir}, nil
}

// Generate 调用外部脚本，并解析输出。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求失败")
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if stdErrors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, xerrors.Wrap(xerrors.CodeTimeout, ctxErr, "脚本执行超时")
			}
			return nil, xerrors.Wrap(xerrors.CodeCanceled, ctxErr, "脚本执行被取消")
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstream, err, fmt.Sprintf("执行 Python 脚本失败, stderr=%s", strings.TrimSpace(stderr.String())))
	}

	var resp llm.Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformedOutput, err, "解析 Python 输出失败")
	}
	if req.Schema != nil && len(resp.Structured) == 0 {
		return nil, xerrors.New(xerrors.CodeMalformedOutput, "脚本未返回结构化结果")
	}
	return &resp, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" || filepath.IsAbs(script) || baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
