// Package chain 提供对结算网络的只读访问与外付留痕：
// 网络定义从 YAML 加载，Gateway 查询链高度与余额，
// JournalPayer 把账本的外付指令交给外部结算通道。
package chain
