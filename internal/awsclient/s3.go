// Copyright (C) 2025 Yelp, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package awsclient

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/trace"
)

type S3Client struct {
	Client *s3.Client
	Tracer trace.Tracer
}

type s3Config struct {
	roleARN string
	region  string
}

// S3Option is a functional option for GetS3.
type S3Option func(*s3Config)

// WithRole sets the IAM Role ARN to assume (empty = no assume).
func WithRole(roleARN string) S3Option {
	return func(c *s3Config) {
		c.roleARN = roleARN
	}
}

// WithRegion overrides the AWS region for this client.
func WithRegion(region string) S3Option {
	return func(c *s3Config) {
		c.region = region
	}
}

func (m *Manager) GetS3(_ context.Context, opts ...S3Option) (*S3Client, error) {
	var sc s3Config
	for _, o := range opts {
		o(&sc)
	}
	client := s3.NewFromConfig(m.scopedConfig(sc.region, sc.roleARN))
	return &S3Client{Client: client, Tracer: m.tracer}, nil
}
