package pipeline

// 注入页面执行的脚本,均为函数表达式

// contentCheckJS 文档是否已经渲染出内容
const contentCheckJS = `() => {
	const body = document.body;
	if (!body) return false;
	const text = (body.innerText || '').trim();
	return text.length > 0 || body.children.length > 0;
}`

// scrollByJS 向下滚动指定距离,返回是否已到底部
const scrollByJS = `(distance) => {
	window.scrollBy(0, distance);
	const el = document.scrollingElement || document.documentElement;
	return window.innerHeight + window.scrollY >= el.scrollHeight - 2;
}`

// passwordFieldJS 页面上是否有可见的密码输入框
const passwordFieldJS = `() => {
	for (const el of document.querySelectorAll('input[type=password]')) {
		const rect = el.getBoundingClientRect();
		if (rect.width > 0 || rect.height > 0) return true;
	}
	return false;
}`

const scrollTopJS = `() => { window.scrollTo(0, 0); return true; }`

// clickSelectorJS 点击第一个可见的匹配元素
const clickSelectorJS = `(selector) => {
	let el;
	try { el = document.querySelector(selector); } catch (e) { return false; }
	if (!el) return false;
	const rect = el.getBoundingClientRect();
	if (rect.width === 0 && rect.height === 0) return false;
	el.click();
	return true;
}`

// clickTextJS 点击文本包含任一关键字的可点击元素(不区分大小写)
const clickTextJS = `(keywords) => {
	const words = keywords.map(k => String(k).toLowerCase());
	const nodes = document.querySelectorAll('button, a, input[type=button], input[type=submit], [role=button]');
	for (const el of nodes) {
		const text = ((el.innerText || el.value || el.getAttribute('aria-label') || '') + '').trim().toLowerCase();
		if (!text || text.length > 80) continue;
		if (words.some(w => text.includes(w))) {
			const rect = el.getBoundingClientRect();
			if (rect.width === 0 && rect.height === 0) continue;
			el.click();
			return true;
		}
	}
	return false;
}`
