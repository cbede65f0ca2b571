package grpc

import (
	"context"
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"wormy/broker/internal/logging"
)

// SharedSecretMetadataKey carries the shared secret on every call.
const SharedSecretMetadataKey = "x-wormy-shared-secret"

// ServerOptions builds the security options for the gRPC listener. A blank
// secret leaves streams unauthenticated; TLS files, when both are set,
// enable transport security.
func ServerOptions(secret, certPath, keyPath string, logger *logging.Logger) ([]grpc.ServerOption, error) {
	var opts []grpc.ServerOption
	if certPath != "" && keyPath != "" {
		creds, err := credentials.NewServerTLSFromFile(certPath, keyPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
		logger.Info("gRPC TLS enabled")
	}
	if strings.TrimSpace(secret) == "" {
		logger.Warn("gRPC streams are unauthenticated; set WORMY_GRPC_SHARED_SECRET to require a secret")
		return opts, nil
	}
	opts = append(opts, grpc.ChainStreamInterceptor(SharedSecretStreamInterceptor(secret)))
	logger.Info("gRPC shared-secret authentication enabled")
	return opts, nil
}

// SharedSecretStreamInterceptor rejects streams that do not present secret.
func SharedSecretStreamInterceptor(secret string) grpc.StreamServerInterceptor {
	normalized := strings.TrimSpace(secret)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if normalized == "" {
			return status.Error(codes.Unauthenticated, "shared secret not configured")
		}
		md, ok := metadata.FromIncomingContext(ss.Context())
		if !ok {
			return status.Error(codes.Unauthenticated, "missing metadata")
		}
		candidate := extractSharedSecret(md)
		if candidate == "" {
			return status.Error(codes.Unauthenticated, "missing shared secret")
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(normalized)) != 1 {
			return status.Error(codes.Unauthenticated, "invalid shared secret")
		}
		return handler(srv, ss)
	}
}

func extractSharedSecret(md metadata.MD) string {
	for _, value := range md.Get(SharedSecretMetadataKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	for _, value := range md.Get("authorization") {
		if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
			if token := strings.TrimSpace(value[7:]); token != "" {
				return token
			}
		}
	}
	return ""
}

type sharedSecretCredentials string

func (s sharedSecretCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{SharedSecretMetadataKey: string(s)}, nil
}

func (sharedSecretCredentials) RequireTransportSecurity() bool { return false }

// WithSharedSecret attaches secret to every call made on a client connection.
func WithSharedSecret(secret string) grpc.DialOption {
	return grpc.WithPerRPCCredentials(sharedSecretCredentials(strings.TrimSpace(secret)))
}
