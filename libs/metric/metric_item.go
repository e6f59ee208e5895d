package metric

// MetricItem - 一个独立的metric模块对应一个MetricItem
// JSONString会被rpc协程调用，实现需要自己处理并发
type MetricItem interface {
	JSONString() string
}

// FuncItem 把一个返回JSON字符串的函数包装成MetricItem
type FuncItem func() string

func (f FuncItem) JSONString() string {
	return f()
}
