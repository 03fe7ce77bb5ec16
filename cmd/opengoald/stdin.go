package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	xerrors "OpenGoal-Chain/internal/errors"
)

// stdinInput 在终端上向操作者提问，一次只处理一个问题。
type stdinInput struct {
	mu     sync.Mutex
	out    io.Writer
	lines  chan string
	closed chan struct{}
}

func newStdinInput(in io.Reader, out io.Writer) *stdinInput {
	s := &stdinInput{out: out, lines: make(chan string), closed: make(chan struct{})}
	go s.read(in)
	return s
}

func (s *stdinInput) read(in io.Reader) {
	defer close(s.closed)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		s.lines <- scanner.Text()
	}
}

// RequestInput 打印问题并等待一行回答；ctx 结束时放弃等待。
func (s *stdinInput) RequestInput(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.out, "\n%s\n> ", strings.TrimSpace(prompt))
	select {
	case line := <-s.lines:
		return strings.TrimSpace(line), nil
	case <-s.closed:
		return "", xerrors.New(xerrors.CodeExecutorFailure, "标准输入已关闭")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
