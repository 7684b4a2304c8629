package public

// Built-in pages used when the operator configures no template files.

var default404 = []byte(`<!DOCTYPE html>
<html>
<head><title>404 Not Found</title></head>
<body>
<h1>404 Not Found</h1>
<p>This host is not configured.</p>
</body>
</html>
`)

var default500 = []byte(`<!DOCTYPE html>
<html>
<head><title>500 Internal Server Error</title></head>
<body>
<h1>500 Internal Server Error</h1>
<p>Something went wrong handling this request.</p>
</body>
</html>
`)

var movedBody = []byte(`<!DOCTYPE html>
<html>
<head><title>Moved</title></head>
<body>
<h1>Moved</h1>
<p>The document has moved.</p>
</body>
</html>
`)
