// Package ratelimit はユーザー単位のリクエスト数制限を提供する。
//
// 既定の FixedWindow は (user_id, 現在時刻/ウィンドウ幅) をキーとした
// 固定ウィンドウカウンタで、ウィンドウ境界をまたぐと最大で上限の2倍まで
// 通過しうる。より厳密な平滑化が必要な場合は TokenBucket を、
// 複数のGatewayレプリカで上限を共有する場合は Redis を使う。
package ratelimit
