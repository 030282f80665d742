// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupRedis starts an in-process redis and returns a client connected to it.
func setupRedis(tb testing.TB) (redis.UniversalClient, *miniredis.Miniredis) {
	tb.Helper()
	s := miniredis.RunT(tb)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	tb.Cleanup(func() { client.Close() })
	return client, s
}

func TestParseRedisURI(t *testing.T) {
	tests := []struct {
		uri  string
		want RedisConnOpt
	}{
		{
			"redis://localhost:6379",
			RedisClientOpt{Addr: "localhost:6379"},
		},
		{
			"redis://localhost:6379/3",
			RedisClientOpt{Addr: "localhost:6379", DB: 3},
		},
		{
			"redis://:mypassword@localhost:6379",
			RedisClientOpt{Addr: "localhost:6379", Password: "mypassword"},
		},
		{
			"redis-sentinel://host1:26379,host2:26379?master=mymaster",
			RedisFailoverClientOpt{
				MasterName:    "mymaster",
				SentinelAddrs: []string{"host1:26379", "host2:26379"},
			},
		},
	}

	for _, tc := range tests {
		got, err := ParseRedisURI(tc.uri)
		if err != nil {
			t.Errorf("ParseRedisURI(%q) returned an error: %v", tc.uri, err)
			continue
		}
		switch want := tc.want.(type) {
		case RedisClientOpt:
			opt, ok := got.(RedisClientOpt)
			if !ok || opt.Addr != want.Addr || opt.DB != want.DB || opt.Password != want.Password {
				t.Errorf("ParseRedisURI(%q) = %+v, want %+v", tc.uri, got, tc.want)
			}
		case RedisFailoverClientOpt:
			opt, ok := got.(RedisFailoverClientOpt)
			if !ok || opt.MasterName != want.MasterName || len(opt.SentinelAddrs) != len(want.SentinelAddrs) {
				t.Errorf("ParseRedisURI(%q) = %+v, want %+v", tc.uri, got, tc.want)
			}
		}
	}
}

func TestParseRedisURIErrors(t *testing.T) {
	for _, uri := range []string{
		"http://localhost:6379",
		"redis://localhost:6379/notanumber",
	} {
		if _, err := ParseRedisURI(uri); err == nil {
			t.Errorf("ParseRedisURI(%q) succeeded, want error", uri)
		}
	}
}
