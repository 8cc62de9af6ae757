package wire

const formPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Text to speech</title>
</head>
<body>
<h1>Text to speech</h1>
<form method="get" action="">
<p><label>Locale <input name="locale" type="text" placeholder="en_US"></label></p>
<p><textarea name="text" rows="8" cols="60" placeholder="Type something to say…"></textarea></p>
<p><button type="submit">Speak</button></p>
</form>
</body>
</html>
`
